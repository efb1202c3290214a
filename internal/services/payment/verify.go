package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/paymentprovider"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

// Verify запрашивает у шлюза фактический статус платежа и применяет его.
// Одновременные вызовы для одной ссылки выполняют одну проверку.
// Пустой expectedPlan не проверяется.
func (s *Service) Verify(ctx context.Context, reference string, expectedPlan models.Plan) (*VerifyResult, error) {
	const op = "payment.Verify"

	tx, err := s.repo.GetTransaction(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if expectedPlan != "" && tx.Plan != expectedPlan {
		metrics.PaymentVerifications.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%s: %w: plan %q does not match transaction plan %q", op, errs.ErrConflict, expectedPlan, tx.Plan)
	}

	ch := s.group.DoChan(reference, func() (any, error) {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.billingCfg.VerifyTimeout)
		defer cancel()
		return s.verify(vctx, reference)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%s: %w", op, res.Err)
		}
		return res.Val.(*VerifyResult), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (s *Service) verify(ctx context.Context, reference string) (result *VerifyResult, err error) {
	const op = "payment.verify"
	log := s.log.With(sl.Op(op), slog.String("reference", reference))

	outcome := "error"
	defer func() {
		if result != nil {
			outcome = string(result.Status)
			if result.Message == MsgVerificationError {
				outcome = "verification_error"
			}
		} else if errors.Is(err, errs.ErrConflict) {
			outcome = "conflict"
		}
		metrics.PaymentVerifications.WithLabelValues(outcome).Inc()
	}()

	tx, err := s.repo.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	log = log.With(slog.String("user_uid", tx.UserUID))

	switch tx.Status {
	case models.TransactionFailed:
		return failedResult(reference), nil
	case models.TransactionSuccess:
		return s.reactivate(ctx, log, tx)
	}

	gtx, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			log.Error("gateway returned another transaction", sl.Err(err))
			return nil, err
		}
		log.Warn("payment verification failed, transaction stays pending", sl.Err(err))
		s.requestReconcile(ctx, log, tx, err.Error())
		return &VerifyResult{
			Reference: reference,
			Status:    models.TransactionPending,
			Message:   MsgVerificationError,
		}, nil
	}

	switch gtx.Status {
	case paymentprovider.StatusSuccess:
		return s.confirm(ctx, log, tx, gtx)
	case paymentprovider.StatusFailed, paymentprovider.StatusReversed:
		return s.reject(ctx, log, tx, gtx)
	case paymentprovider.StatusAbandoned:
		// брошенная оплата еще может завершиться, отказ фиксируется только после reconcile_after
		if s.abandonedTooLong(tx) {
			return s.reject(ctx, log, tx, gtx)
		}
		fallthrough
	default:
		if err := s.repo.SaveGatewayPayload(ctx, reference, gtx.Raw); err != nil {
			log.Warn("failed to save gateway payload", sl.Err(err))
		}
		log.Info("payment still processing", slog.String("gateway_status", gtx.Status))
		return &VerifyResult{
			Reference: reference,
			Status:    models.TransactionPending,
			Message:   MsgProcessing,
		}, nil
	}
}

// confirm фиксирует успешный платеж и выдает доступ.
func (s *Service) confirm(ctx context.Context, log *slog.Logger, tx *models.PendingTransaction, gtx *paymentprovider.Transaction) (*VerifyResult, error) {
	if gtx.Amount != tx.Amount || (gtx.Currency != "" && gtx.Currency != tx.Currency) {
		log.Error("gateway amount does not match transaction",
			slog.Int64("expected_amount", tx.Amount), slog.Int64("gateway_amount", gtx.Amount),
			slog.String("expected_currency", tx.Currency), slog.String("gateway_currency", gtx.Currency))
		return nil, fmt.Errorf("%w: paid amount does not match transaction", errs.ErrConflict)
	}

	expiresAt, err := s.extensionExpiry(ctx, tx)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.MarkTransactionSucceeded(ctx, tx.Reference, &expiresAt, gtx.Raw)
	if err != nil {
		return nil, err
	}
	if !updated {
		// статус уже сменил другой процесс
		current, err := s.repo.GetTransaction(ctx, tx.Reference)
		if err != nil {
			return nil, err
		}
		if current.Status == models.TransactionFailed {
			return failedResult(tx.Reference), nil
		}
		return s.reactivate(ctx, log, current)
	}

	if err := s.activate(ctx, log, tx, expiresAt); err != nil {
		return nil, err
	}
	return successResult(tx.Reference, expiresAt), nil
}

// reactivate повторяет только выдачу доступа для уже успешной транзакции.
// Доступ не трогается, если он уже выдан по этой ссылке или действует
// подписка другой ссылки с окончанием не раньше.
func (s *Service) reactivate(ctx context.Context, log *slog.Logger, tx *models.PendingTransaction) (*VerifyResult, error) {
	if tx.EntitlementExpiresAt == nil {
		return nil, fmt.Errorf("%w: successful transaction without entitlement expiry", errs.ErrConflict)
	}
	expiresAt := *tx.EntitlementExpiresAt

	current, err := s.repo.LatestSubscriptionByStatus(ctx, tx.UserUID, models.SnapshotActive)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return nil, err
	case current.Reference == tx.Reference:
		return successResult(tx.Reference, expiresAt), nil
	case current.ExpiresAt == nil || !current.ExpiresAt.Before(expiresAt):
		log.Info("later subscription is active, activation skipped", slog.String("active_reference", current.Reference))
		return successResult(tx.Reference, expiresAt), nil
	}

	if err := s.activate(ctx, log, tx, expiresAt); err != nil {
		return nil, err
	}
	return successResult(tx.Reference, expiresAt), nil
}

func (s *Service) reject(ctx context.Context, log *slog.Logger, tx *models.PendingTransaction, gtx *paymentprovider.Transaction) (*VerifyResult, error) {
	updated, err := s.repo.MarkTransactionFailed(ctx, tx.Reference, gtx.Raw)
	if err != nil {
		return nil, err
	}
	if !updated {
		current, err := s.repo.GetTransaction(ctx, tx.Reference)
		if err != nil {
			return nil, err
		}
		if current.Status == models.TransactionSuccess {
			return s.reactivate(ctx, log, current)
		}
	}
	log.Info("payment declined by gateway", slog.String("gateway_status", gtx.Status), slog.String("gateway_response", gtx.GatewayResponse))
	return failedResult(tx.Reference), nil
}

func (s *Service) abandonedTooLong(tx *models.PendingTransaction) bool {
	after := s.billingCfg.ReconcileAfter
	if after <= 0 || tx.CreatedAt.IsZero() {
		return false
	}
	return s.now().Sub(tx.CreatedAt) >= after
}

// extensionExpiry считает окончание периода от большего из now и окончания текущей подписки.
func (s *Service) extensionExpiry(ctx context.Context, tx *models.PendingTransaction) (time.Time, error) {
	base := s.now().UTC()
	current, err := s.repo.LatestSubscriptionByStatus(ctx, tx.UserUID, models.SnapshotActive)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return time.Time{}, err
	case current.Reference != tx.Reference && current.ExpiresAt != nil && current.ExpiresAt.After(base):
		base = current.ExpiresAt.UTC()
	}

	expiresAt, ok := tx.Plan.Expiry(base)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: plan %q cannot be activated", errs.ErrConflict, tx.Plan)
	}
	return expiresAt, nil
}

// activate записывает активный снимок, обновляет кеш и публикует событие.
func (s *Service) activate(ctx context.Context, log *slog.Logger, tx *models.PendingTransaction, expiresAt time.Time) error {
	now := s.now().UTC()
	snap := models.SubscriptionSnapshot{
		UserUID:   tx.UserUID,
		Plan:      tx.Plan,
		Status:    models.SnapshotActive,
		StartedAt: now,
		ExpiresAt: &expiresAt,
		Reference: tx.Reference,
	}
	if err := s.repo.ActivateSubscription(ctx, snap); err != nil {
		log.Error("payment confirmed but activation failed, retry verify to repair", sl.Err(err))
		return err
	}
	s.entitlements.Remember(ctx, snap)

	s.publish(ctx, log, rabbitmq.RoutingKeySubscriptionActivated, models.SubscriptionActivated{
		UserUID:     tx.UserUID,
		Plan:        tx.Plan,
		Reference:   tx.Reference,
		ExpiresAt:   &expiresAt,
		ActivatedAt: now,
	})
	log.Info("subscription activated", slog.String("plan", string(tx.Plan)), slog.Time("expires_at", expiresAt))
	return nil
}

type reconcileKey struct{}

// WithoutReconcile помечает контекст проверки, запущенной самой сверкой:
// при ошибке шлюза повторный запрос на сверку не публикуется.
func WithoutReconcile(ctx context.Context) context.Context {
	return context.WithValue(ctx, reconcileKey{}, true)
}

func (s *Service) requestReconcile(ctx context.Context, log *slog.Logger, tx *models.PendingTransaction, reason string) {
	if skip, _ := ctx.Value(reconcileKey{}).(bool); skip {
		return
	}
	s.publish(ctx, log, rabbitmq.RoutingKeyPaymentReconcile, models.ReconcileRequest{
		Reference:   tx.Reference,
		Plan:        tx.Plan,
		Reason:      reason,
		RequestedAt: s.now().UTC(),
	})
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, routingKey string, message any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, routingKey, message); err != nil {
		log.Warn("failed to publish event", slog.String("routing_key", routingKey), sl.Err(err))
	}
}

func successResult(reference string, expiresAt time.Time) *VerifyResult {
	return &VerifyResult{
		Reference: reference,
		Success:   true,
		Status:    models.TransactionSuccess,
		Message:   MsgActivated,
		ExpiresAt: &expiresAt,
	}
}

func failedResult(reference string) *VerifyResult {
	return &VerifyResult{
		Reference: reference,
		Status:    models.TransactionFailed,
		Message:   MsgFailed,
	}
}
