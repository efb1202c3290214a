// Package reconcile повторно проверяет платежи, результат которых остался неизвестен:
// по запросам из очереди и периодическим обходом зависших pending-транзакций.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

const (
	sourceMessage = "message"
	sourceSweep   = "sweep"
)

// Verifier проверяет платеж у шлюза.
type Verifier interface {
	Verify(ctx context.Context, reference string, expectedPlan models.Plan) (*payment.VerifyResult, error)
}

// Store источник зависших транзакций.
type Store interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.PendingTransaction, error)
}

// Entitlements обновляет локальную копию доступа, не откатывая более позднюю.
type Entitlements interface {
	RememberIfLater(ctx context.Context, snap models.SubscriptionSnapshot)
}

// Service сверка платежей.
type Service struct {
	verifier     Verifier
	store        Store
	entitlements Entitlements
	cfg          config.Billing
	log          *slog.Logger
	now          func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New создает Service.
func New(verifier Verifier, store Store, entitlements Entitlements, cfg config.Billing, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		verifier:     verifier,
		store:        store,
		entitlements: entitlements,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleReconcile обрабатывает сообщение payment.reconcile.
// Ошибка возвращается только для временных сбоев хранилища.
func (s *Service) HandleReconcile(ctx context.Context, body []byte) error {
	const op = "reconcile.HandleReconcile"
	log := s.log.With(sl.Op(op))

	var req models.ReconcileRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Reference == "" {
		log.Error("malformed reconcile request, dropping", sl.Err(err))
		metrics.ReconcileProcessed.WithLabelValues(sourceMessage, "malformed").Inc()
		return nil
	}
	log = log.With(slog.String("reference", req.Reference))
	log.Info("reconcile requested", slog.String("reason", req.Reason))

	if err := s.verify(ctx, log, sourceMessage, req.Reference, req.Plan); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HandleActivated обрабатывает событие subscription.activated: обновляет кеш доступа
// на случай, если сервис, подтвердивший платеж, не смог это сделать.
// Запоздавшее событие не заменяет копию с более поздним окончанием.
func (s *Service) HandleActivated(ctx context.Context, body []byte) error {
	const op = "reconcile.HandleActivated"
	log := s.log.With(sl.Op(op))

	var ev models.SubscriptionActivated
	if err := json.Unmarshal(body, &ev); err != nil || ev.UserUID == "" {
		log.Error("malformed activation event, dropping", sl.Err(err))
		return nil
	}
	s.entitlements.RememberIfLater(ctx, models.SubscriptionSnapshot{
		UserUID:   ev.UserUID,
		Plan:      ev.Plan,
		Status:    models.SnapshotActive,
		StartedAt: ev.ActivatedAt,
		ExpiresAt: ev.ExpiresAt,
		Reference: ev.Reference,
	})
	log.Debug("entitlement cache refreshed", slog.String("user_uid", ev.UserUID), slog.String("reference", ev.Reference))
	return nil
}

// Sweep проверяет pending-транзакции старше cfg.ReconcileAfter. Возвращает число обработанных.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	const op = "reconcile.Sweep"
	log := s.log.With(sl.Op(op))

	olderThan := s.now().Add(-s.cfg.ReconcileAfter)
	txs, err := s.store.ListStalePending(ctx, olderThan, s.cfg.ReconcileBatch)
	if err != nil {
		log.Error("failed to list stale transactions", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(txs) == 0 {
		log.Info("no stale transactions found")
		return 0, nil
	}
	log.Info("found stale transactions", slog.Int("count", len(txs)))

	processed := 0
	for _, tx := range txs {
		select {
		case <-ctx.Done():
			return processed, fmt.Errorf("%s: %w", op, ctx.Err())
		default:
		}
		txLog := log.With(slog.String("reference", tx.Reference))
		if err := s.verify(ctx, txLog, sourceSweep, tx.Reference, tx.Plan); err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

// Run обходит зависшие транзакции при старте и затем каждые interval до отмены ctx.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("initial sweep failed", sl.Err(err))
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", sl.Err(err))
			}
		}
	}
}

func (s *Service) verify(ctx context.Context, log *slog.Logger, source, reference string, plan models.Plan) error {
	res, err := s.verifier.Verify(payment.WithoutReconcile(ctx), reference, plan)
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInvalidInput):
		log.Error("transaction cannot be reconciled", sl.Err(err))
		metrics.ReconcileProcessed.WithLabelValues(source, "rejected").Inc()
		return nil
	case err != nil:
		log.Warn("reconcile verification failed", sl.Err(err))
		metrics.ReconcileProcessed.WithLabelValues(source, "error").Inc()
		return err
	}

	result := string(res.Status)
	if res.Message == payment.MsgVerificationError {
		result = "verification_error"
	}
	metrics.ReconcileProcessed.WithLabelValues(source, result).Inc()
	log.Info("transaction reconciled", slog.String("status", string(res.Status)))
	return nil
}
