// Package payment открывает платежные сессии у шлюза и подтверждает оплату.
// Единственный источник истины об успехе платежа это ответ шлюза на verify;
// переходы страницы оплаты и вебхуки лишь запускают проверку.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/paymentprovider"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

// Сообщения пользователю по итогам проверки.
const (
	MsgActivated         = "Payment confirmed. Your subscription is active."
	MsgFailed            = "Payment was not completed. Your subscription was not changed."
	MsgProcessing        = "Payment is still processing. Please check again in a few minutes."
	MsgVerificationError = "We could not verify your payment right now. If you were charged, it will be confirmed automatically. Please check again later."
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	referencePrefix  = "FT"
)

// Repository хранилище транзакций и подписок.
type Repository interface {
	CreateTransaction(ctx context.Context, tx models.PendingTransaction) error
	GetTransaction(ctx context.Context, reference string) (*models.PendingTransaction, error)
	MarkTransactionSucceeded(ctx context.Context, reference string, expiresAt *time.Time, payload json.RawMessage) (bool, error)
	MarkTransactionFailed(ctx context.Context, reference string, payload json.RawMessage) (bool, error)
	SaveGatewayPayload(ctx context.Context, reference string, payload json.RawMessage) error
	ListTransactions(ctx context.Context, userUID string, limit, offset int) ([]*models.PendingTransaction, error)
	LatestSubscriptionByStatus(ctx context.Context, userUID string, status models.SnapshotStatus) (*models.SubscriptionSnapshot, error)
	ActivateSubscription(ctx context.Context, snap models.SubscriptionSnapshot) error
}

// Gateway платежный шлюз.
type Gateway interface {
	Initialize(ctx context.Context, in paymentprovider.InitializeRequest) (*paymentprovider.InitializeResult, error)
	Verify(ctx context.Context, reference string) (*paymentprovider.Transaction, error)
}

// Entitlements обновляет локальную копию доступа после активации.
type Entitlements interface {
	Remember(ctx context.Context, snap models.SubscriptionSnapshot)
}

// Publisher публикует события в брокер.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// InitiateRequest параметры новой попытки оплаты.
type InitiateRequest struct {
	UserUID     string
	Email       string
	Plan        models.Plan
	Amount      int64
	Channel     models.Channel
	ChannelMeta *models.ChannelMeta
}

// InitiateResult открытая платежная сессия.
type InitiateResult struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
	AccessCode  string `json:"access_code"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// VerifyResult итог проверки платежа.
type VerifyResult struct {
	Reference string                   `json:"reference"`
	Success   bool                     `json:"success"`
	Status    models.TransactionStatus `json:"status"`
	Message   string                   `json:"message"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithPublisher включает публикацию событий активации и запросов на сверку.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// Service реализует инициацию и проверку платежей.
type Service struct {
	repo         Repository
	gateway      Gateway
	entitlements Entitlements
	publisher    Publisher
	gatewayCfg   config.Gateway
	billingCfg   config.Billing
	log          *slog.Logger
	now          func() time.Time

	seq   atomic.Uint64
	group singleflight.Group
}

// New создает Service.
func New(repo Repository, gateway Gateway, entitlements Entitlements, gatewayCfg config.Gateway, billingCfg config.Billing, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		gateway:      gateway,
		entitlements: entitlements,
		gatewayCfg:   gatewayCfg,
		billingCfg:   billingCfg,
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate сохраняет pending-транзакцию и открывает платежную сессию у шлюза.
// При отказе или недоступности шлюза транзакция остается pending.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "payment.Initiate"
	log := s.log.With(sl.Op(op), slog.String("user_uid", req.UserUID), slog.String("channel", string(req.Channel)))

	if err := s.validate(req); err != nil {
		metrics.PaymentsInitiated.WithLabelValues(string(req.Channel), "invalid").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tx := models.PendingTransaction{
		Reference: s.newReference(req.UserUID),
		UserUID:   req.UserUID,
		Email:     req.Email,
		Plan:      req.Plan,
		Amount:    req.Amount,
		Currency:  s.currencyFor(req.Channel),
		Channel:   req.Channel,
		Status:    models.TransactionPending,
	}
	log = log.With(slog.String("reference", tx.Reference))

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		metrics.PaymentsInitiated.WithLabelValues(string(req.Channel), "store_error").Inc()
		log.Error("failed to persist pending transaction", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metadata, err := json.Marshal(map[string]any{
		"user_uid":     req.UserUID,
		"plan":         req.Plan,
		"channel_meta": req.ChannelMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res, err := s.gateway.Initialize(ctx, paymentprovider.InitializeRequest{
		Email:       req.Email,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Reference:   tx.Reference,
		CallbackURL: s.gatewayCfg.CallbackURL,
		Channels:    []string{string(req.Channel)},
		Metadata:    metadata,
	})
	if err != nil {
		result := "rejected"
		if paymentprovider.IsUnreachable(err) {
			result = "unreachable"
		}
		metrics.PaymentsInitiated.WithLabelValues(string(req.Channel), result).Inc()
		log.Warn("gateway did not open payment session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.PaymentsInitiated.WithLabelValues(string(req.Channel), "ok").Inc()
	log.Info("payment session opened")
	return &InitiateResult{
		Reference:   tx.Reference,
		RedirectURL: res.AuthorizationURL,
		AccessCode:  res.AccessCode,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
	}, nil
}

func (s *Service) validate(req InitiateRequest) error {
	switch {
	case req.UserUID == "":
		return fmt.Errorf("%w: empty user", errs.ErrInvalidInput)
	case req.Email == "":
		return fmt.Errorf("%w: empty email", errs.ErrInvalidInput)
	case !req.Plan.Purchasable():
		return fmt.Errorf("%w: unknown plan %q", errs.ErrInvalidInput, req.Plan)
	case !req.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", errs.ErrInvalidInput, req.Channel)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidInput)
	}
	if req.Channel == models.ChannelMobileMoney &&
		(req.ChannelMeta == nil || req.ChannelMeta.Phone == "" || req.ChannelMeta.Provider == "") {
		return fmt.Errorf("%w: mobile money requires phone and provider", errs.ErrInvalidInput)
	}
	if len(s.billingCfg.Plans) > 0 {
		price, ok := s.billingCfg.Plans[string(req.Plan)]
		if !ok {
			return fmt.Errorf("%w: plan %q is not offered", errs.ErrInvalidInput, req.Plan)
		}
		if price != req.Amount {
			return fmt.Errorf("%w: amount %d does not match plan price", errs.ErrInvalidInput, req.Amount)
		}
	}
	return nil
}

func (s *Service) currencyFor(ch models.Channel) string {
	if ch == models.ChannelMobileMoney {
		return s.gatewayCfg.MobileMoneyCurrency
	}
	return s.gatewayCfg.CardCurrency
}

// newReference FT-<префикс пользователя>-<unix nano>-<счетчик>-<случайный суффикс>.
func (s *Service) newReference(userUID string) string {
	prefix := strings.ReplaceAll(userUID, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%d-%d-%s", referencePrefix, prefix, s.now().UnixNano(), s.seq.Add(1), suffix)
}

// ListTransactions возвращает историю платежей пользователя.
func (s *Service) ListTransactions(ctx context.Context, userUID string, limit, offset int) ([]*models.PendingTransaction, error) {
	const op = "payment.ListTransactions"
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	res, err := s.repo.ListTransactions(ctx, userUID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Lookup возвращает транзакцию по ссылке без проверки владельца.
func (s *Service) Lookup(ctx context.Context, reference string) (*models.PendingTransaction, error) {
	const op = "payment.Lookup"
	tx, err := s.repo.GetTransaction(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tx, nil
}

// Owner возвращает транзакцию пользователя. Чужая транзакция не отличается от несуществующей.
func (s *Service) Owner(ctx context.Context, reference, userUID string) (*models.PendingTransaction, error) {
	const op = "payment.Owner"
	tx, err := s.Lookup(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tx.UserUID != userUID {
		return nil, fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	return tx, nil
}
