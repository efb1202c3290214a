package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/paymentprovider"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// memRepo хранилище в памяти с семантикой условных переходов статуса.
type memRepo struct {
	mu          sync.Mutex
	txs         map[string]*models.PendingTransaction
	active      map[string]*models.SubscriptionSnapshot
	calls       []string
	createErr   error
	activateErr error
	activations int
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:    map[string]*models.PendingTransaction{},
		active: map[string]*models.SubscriptionSnapshot{},
	}
}

func (r *memRepo) CreateTransaction(_ context.Context, tx models.PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "create")
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.txs[tx.Reference]; ok {
		return errs.ErrConflict
	}
	tx.Status = models.TransactionPending
	r.txs[tx.Reference] = &tx
	return nil
}

func (r *memRepo) GetTransaction(_ context.Context, reference string) (*models.PendingTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[reference]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (r *memRepo) MarkTransactionSucceeded(_ context.Context, reference string, expiresAt *time.Time, payload json.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[reference]
	if !ok || tx.Status != models.TransactionPending {
		return false, nil
	}
	tx.Status = models.TransactionSuccess
	tx.EntitlementExpiresAt = expiresAt
	tx.GatewayPayload = payload
	return true, nil
}

func (r *memRepo) MarkTransactionFailed(_ context.Context, reference string, payload json.RawMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[reference]
	if !ok || tx.Status != models.TransactionPending {
		return false, nil
	}
	tx.Status = models.TransactionFailed
	tx.GatewayPayload = payload
	return true, nil
}

func (r *memRepo) SaveGatewayPayload(_ context.Context, reference string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[reference]; ok {
		tx.GatewayPayload = payload
	}
	return nil
}

func (r *memRepo) ListTransactions(_ context.Context, userUID string, limit, offset int) ([]*models.PendingTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*models.PendingTransaction, 0)
	for _, tx := range r.txs {
		if tx.UserUID == userUID {
			cp := *tx
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Reference < res[j].Reference })
	if offset >= len(res) {
		return []*models.PendingTransaction{}, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *memRepo) LatestSubscriptionByStatus(_ context.Context, userUID string, _ models.SnapshotStatus) (*models.SubscriptionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.active[userUID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (r *memRepo) ActivateSubscription(_ context.Context, snap models.SubscriptionSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activateErr != nil {
		return r.activateErr
	}
	r.activations++
	r.active[snap.UserUID] = &snap
	return nil
}

func (r *memRepo) status(reference string) models.TransactionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txs[reference].Status
}

type GatewayMock struct{ mock.Mock }

func (m *GatewayMock) Initialize(ctx context.Context, in paymentprovider.InitializeRequest) (*paymentprovider.InitializeResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*paymentprovider.InitializeResult)
	return res, args.Error(1)
}

func (m *GatewayMock) Verify(ctx context.Context, reference string) (*paymentprovider.Transaction, error) {
	args := m.Called(ctx, reference)
	res, _ := args.Get(0).(*paymentprovider.Transaction)
	return res, args.Error(1)
}

type fakeEntitlements struct {
	mu         sync.Mutex
	remembered []models.SubscriptionSnapshot
}

func (f *fakeEntitlements) Remember(_ context.Context, snap models.SubscriptionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remembered = append(f.remembered, snap)
}

type event struct {
	key     string
	message any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event{key: routingKey, message: message})
	return nil
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.key)
	}
	return keys
}
