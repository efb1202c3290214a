package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

type VerifierMock struct{ mock.Mock }

func (m *VerifierMock) Verify(ctx context.Context, reference string, plan models.Plan) (*payment.VerifyResult, error) {
	args := m.Called(ctx, reference, plan)
	res, _ := args.Get(0).(*payment.VerifyResult)
	return res, args.Error(1)
}

type StoreMock struct{ mock.Mock }

func (m *StoreMock) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.PendingTransaction, error) {
	args := m.Called(ctx, olderThan, limit)
	res, _ := args.Get(0).([]*models.PendingTransaction)
	return res, args.Error(1)
}

type fakeEntitlements struct {
	mu         sync.Mutex
	remembered []models.SubscriptionSnapshot
}

func (f *fakeEntitlements) RememberIfLater(_ context.Context, snap models.SubscriptionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remembered = append(f.remembered, snap)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

var t0 = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func newService(v *VerifierMock, st *StoreMock, ents *fakeEntitlements) *Service {
	return New(v, st, ents, config.Billing{ReconcileAfter: 15 * time.Minute, ReconcileBatch: 50}, newNoopLogger(),
		WithClock(func() time.Time { return t0 }))
}

func body(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleReconcile(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		setup   func(v *VerifierMock)
		wantErr bool
	}{
		{
			name: "verified",
			body: []byte(`{"reference":"FT-1","plan":"monthly","reason":"timeout"}`),
			setup: func(v *VerifierMock) {
				v.On("Verify", mock.Anything, "FT-1", models.PlanMonthly).
					Return(&payment.VerifyResult{Reference: "FT-1", Success: true, Status: models.TransactionSuccess}, nil).Once()
			},
		},
		{
			name: "gateway still unreachable is acked",
			body: []byte(`{"reference":"FT-1"}`),
			setup: func(v *VerifierMock) {
				v.On("Verify", mock.Anything, "FT-1", models.Plan("")).
					Return(&payment.VerifyResult{Status: models.TransactionPending, Message: payment.MsgVerificationError}, nil).Once()
			},
		},
		{
			name: "unknown reference is dropped",
			body: []byte(`{"reference":"FT-404"}`),
			setup: func(v *VerifierMock) {
				v.On("Verify", mock.Anything, "FT-404", models.Plan("")).Return(nil, errs.ErrNotFound).Once()
			},
		},
		{
			name: "storage failure is retried",
			body: []byte(`{"reference":"FT-1"}`),
			setup: func(v *VerifierMock) {
				v.On("Verify", mock.Anything, "FT-1", models.Plan("")).Return(nil, errs.ErrRemoteUnavailable).Once()
			},
			wantErr: true,
		},
		{name: "malformed json", body: []byte(`{"reference":`), setup: func(*VerifierMock) {}},
		{name: "empty reference", body: []byte(`{"plan":"daily"}`), setup: func(*VerifierMock) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &VerifierMock{}
			tt.setup(v)
			svc := newService(v, &StoreMock{}, &fakeEntitlements{})

			err := svc.HandleReconcile(context.Background(), tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrRemoteUnavailable)
			} else {
				assert.NoError(t, err)
			}
			v.AssertExpectations(t)
		})
	}
}

func TestHandleActivated(t *testing.T) {
	ents := &fakeEntitlements{}
	svc := newService(&VerifierMock{}, &StoreMock{}, ents)
	expires := t0.AddDate(0, 1, 0)

	err := svc.HandleActivated(context.Background(), body(t, models.SubscriptionActivated{
		UserUID: "user-1", Plan: models.PlanMonthly, Reference: "FT-1", ExpiresAt: &expires, ActivatedAt: t0,
	}))
	require.NoError(t, err)
	require.Len(t, ents.remembered, 1)
	assert.Equal(t, "FT-1", ents.remembered[0].Reference)
	assert.Equal(t, models.SnapshotActive, ents.remembered[0].Status)
	assert.True(t, expires.Equal(*ents.remembered[0].ExpiresAt))

	require.NoError(t, svc.HandleActivated(context.Background(), []byte(`not json`)))
	assert.Len(t, ents.remembered, 1)
}

func TestSweep(t *testing.T) {
	v := &VerifierMock{}
	st := &StoreMock{}
	svc := newService(v, st, &fakeEntitlements{})

	st.On("ListStalePending", mock.Anything, t0.Add(-15*time.Minute), 50).Return([]*models.PendingTransaction{
		{Reference: "FT-1", Plan: models.PlanDaily},
		{Reference: "FT-2", Plan: models.PlanMonthly},
		{Reference: "FT-3", Plan: models.PlanYearly},
	}, nil).Once()
	v.On("Verify", mock.Anything, "FT-1", models.PlanDaily).
		Return(&payment.VerifyResult{Success: true, Status: models.TransactionSuccess}, nil).Once()
	v.On("Verify", mock.Anything, "FT-2", models.PlanMonthly).Return(nil, errors.New("db down")).Once()
	v.On("Verify", mock.Anything, "FT-3", models.PlanYearly).
		Return(&payment.VerifyResult{Status: models.TransactionFailed}, nil).Once()

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	v.AssertExpectations(t)
}

func TestSweep_StoreError(t *testing.T) {
	st := &StoreMock{}
	st.On("ListStalePending", mock.Anything, mock.Anything, mock.Anything).Return(nil, errs.ErrRemoteUnavailable).Once()
	svc := newService(&VerifierMock{}, st, &fakeEntitlements{})

	_, err := svc.Sweep(context.Background())
	assert.ErrorIs(t, err, errs.ErrRemoteUnavailable)
}

func TestSweep_Empty(t *testing.T) {
	st := &StoreMock{}
	st.On("ListStalePending", mock.Anything, mock.Anything, mock.Anything).Return([]*models.PendingTransaction{}, nil).Once()
	v := &VerifierMock{}
	svc := newService(v, st, &fakeEntitlements{})

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	v.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := &StoreMock{}
	st.On("ListStalePending", mock.Anything, mock.Anything, mock.Anything).Return([]*models.PendingTransaction{}, nil)
	svc := newService(&VerifierMock{}, st, &fakeEntitlements{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, len(st.Calls), 2)
}
