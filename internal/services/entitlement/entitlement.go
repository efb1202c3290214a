// Package entitlement определяет, есть ли у пользователя доступ к продукту.
// Ответ собирается цепочкой уровней: удаленное хранилище, локальный кеш,
// пробный период и, при непредвиденной ошибке, открытый доступ.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/trial"
	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

const backgroundTimeout = 5 * time.Second

// Уровни цепочки, они же значения метки tier.
const (
	TierRemote   = "remote"
	TierCache    = "cache"
	TierTrial    = "trial"
	TierFailOpen = "fail_open"
)

// Store удаленное хранилище доступа (источник истины).
type Store interface {
	GetOrCreateTrial(ctx context.Context, userUID string, now time.Time) (*models.TrialRecord, error)
	LatestSubscriptionByStatus(ctx context.Context, userUID string, status models.SnapshotStatus) (*models.SubscriptionSnapshot, error)
	UpdateSubscriptionStatus(ctx context.Context, id int64, from, to models.SnapshotStatus) error
	HasSubscribed(ctx context.Context, userUID string) (bool, error)
	SetHasSubscribed(ctx context.Context, userUID string) error
	ResetHasSubscribed(ctx context.Context, userUID string) error
}

// Cache локальный кеш, используется только когда хранилище недоступно.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service вычисляет статус доступа пользователя.
type Service struct {
	store Store
	cache Cache
	cfg   config.Entitlement
	log   *slog.Logger
	now   func() time.Time

	wg sync.WaitGroup
}

// New создает Service.
func New(store Store, cache Cache, cfg config.Entitlement, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		cache: cache,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait ждет завершения фоновых записей (исправление статуса, обновление кеша).
func (s *Service) Wait() {
	s.wg.Wait()
}

func snapshotKey(userUID string) string   { return "entitlement:snapshot:" + userUID }
func trialKey(userUID string) string      { return "entitlement:trial:" + userUID }
func subscribedKey(userUID string) string { return "entitlement:subscribed:" + userUID }

// Resolve возвращает статус доступа. Никогда не возвращает ошибку:
// при непредвиденном сбое доступ открывается на уровне пробного периода.
func (s *Service) Resolve(ctx context.Context, userUID string) (status models.SubscriptionStatus) {
	const op = "entitlement.Resolve"
	log := s.log.With(sl.Op(op), slog.String("user_uid", userUID))

	tier := TierFailOpen
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while resolving entitlement", slog.Any("panic", r))
			tier = TierFailOpen
			status = s.failOpen()
		}
		metrics.EntitlementResolved.WithLabelValues(tier).Inc()
	}()

	if userUID == "" {
		log.Warn("empty user uid, granting trial access")
		return s.failOpen()
	}
	now := s.now().UTC()

	if st, ok := s.remoteTier(ctx, log, userUID, now); ok {
		tier = TierRemote
		return st
	}
	if st, ok := s.cacheTier(ctx, log, userUID, now); ok {
		tier = TierCache
		return st
	}
	st, err := s.trialTier(ctx, log, userUID, now)
	if err != nil {
		log.Error("trial tier failed, granting trial access", sl.Err(err))
		return s.failOpen()
	}
	tier = TierTrial
	return st
}

// remoteTier ищет действующую оплаченную подписку в хранилище.
func (s *Service) remoteTier(ctx context.Context, log *slog.Logger, userUID string, now time.Time) (models.SubscriptionStatus, bool) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	snap, err := s.store.LatestSubscriptionByStatus(rctx, userUID, models.SnapshotActive)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			log.Warn("remote store unavailable, falling back to cache", sl.Err(err))
		}
		return models.SubscriptionStatus{}, false
	}

	if !snap.ActiveAt(now) {
		log.Info("active snapshot has expired", slog.Int64("snapshot_id", snap.ID))
		s.background(log, func(ctx context.Context) error {
			if err := s.store.UpdateSubscriptionStatus(ctx, snap.ID, models.SnapshotActive, models.SnapshotExpired); err != nil &&
				!errors.Is(err, errs.ErrConflict) {
				return fmt.Errorf("mark snapshot expired: %w", err)
			}
			return s.cache.Invalidate(ctx, snapshotKey(userUID))
		})
		return models.SubscriptionStatus{}, false
	}

	s.background(log, func(ctx context.Context) error {
		return s.remember(ctx, *snap)
	})
	return paidStatus(snap.Plan, snap.ExpiresAt, now), true
}

// cacheTier доверяет локальной копии, пока не прошел её срок.
func (s *Service) cacheTier(ctx context.Context, log *slog.Logger, userUID string, now time.Time) (models.SubscriptionStatus, bool) {
	var cached models.CachedSnapshot
	found, err := s.cache.Get(ctx, snapshotKey(userUID), &cached)
	if err != nil {
		log.Warn("failed to read cached snapshot", sl.Err(err))
		return models.SubscriptionStatus{}, false
	}
	if !found || !cached.ValidAt(now) {
		return models.SubscriptionStatus{}, false
	}
	log.Info("serving entitlement from cache")
	return paidStatus(cached.Plan, cached.ExpiresAt, now), true
}

// trialTier считает пробный период от даты первого обращения.
func (s *Service) trialTier(ctx context.Context, log *slog.Logger, userUID string, now time.Time) (models.SubscriptionStatus, error) {
	startedAt, err := s.trialStart(ctx, log, userUID, now)
	if err != nil {
		return models.SubscriptionStatus{}, err
	}
	state := trial.Compute(startedAt, now, s.cfg.TrialDays)
	return models.SubscriptionStatus{
		IsActive:      !state.Ended,
		IsTrial:       !state.Ended,
		TrialEnded:    state.Ended,
		DaysRemaining: state.DaysRemaining,
		Plan:          models.PlanTrial,
	}, nil
}

func (s *Service) trialStart(ctx context.Context, log *slog.Logger, userUID string, now time.Time) (time.Time, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	rec, err := s.store.GetOrCreateTrial(rctx, userUID, now)
	if err == nil {
		if cerr := s.cache.Set(ctx, trialKey(userUID), rec, 0); cerr != nil {
			log.Warn("failed to cache trial record", sl.Err(cerr))
		}
		return rec.TrialStartedAt, nil
	}
	log.Warn("failed to load trial record, using local copy", sl.Err(err))

	var local models.TrialRecord
	found, cerr := s.cache.Get(ctx, trialKey(userUID), &local)
	if cerr != nil {
		return time.Time{}, fmt.Errorf("trial record unavailable: %w", errors.Join(err, cerr))
	}
	if found {
		return local.TrialStartedAt, nil
	}

	local = models.TrialRecord{UserUID: userUID, TrialStartedAt: now}
	if cerr := s.cache.Set(ctx, trialKey(userUID), local, 0); cerr != nil {
		log.Warn("failed to cache trial record", sl.Err(cerr))
	}
	return now, nil
}

func (s *Service) failOpen() models.SubscriptionStatus {
	return models.SubscriptionStatus{
		IsActive:      true,
		IsTrial:       true,
		DaysRemaining: s.cfg.TrialDays,
		Plan:          models.PlanTrial,
	}
}

func paidStatus(plan models.Plan, expiresAt *time.Time, now time.Time) models.SubscriptionStatus {
	st := models.SubscriptionStatus{
		IsActive:  true,
		Plan:      plan,
		ExpiresAt: expiresAt,
	}
	if expiresAt != nil {
		st.DaysRemaining = int(expiresAt.Sub(now) / (24 * time.Hour))
	}
	return st
}

// ShouldPromptForSubscription сообщает, нужно ли предложить оформить подписку:
// нет, пока действует оплаченная подписка; да, если пробный период закончился
// или пользователь уже платил раньше.
func (s *Service) ShouldPromptForSubscription(ctx context.Context, userUID string) bool {
	status := s.Resolve(ctx, userUID)
	if status.IsActive && !status.IsTrial {
		return false
	}
	if status.TrialEnded {
		return true
	}
	return s.hasSubscribed(ctx, userUID)
}

func (s *Service) hasSubscribed(ctx context.Context, userUID string) bool {
	const op = "entitlement.hasSubscribed"
	log := s.log.With(sl.Op(op), slog.String("user_uid", userUID))

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	has, err := s.store.HasSubscribed(rctx, userUID)
	if err == nil {
		return has
	}
	log.Warn("failed to read subscriber flag, using local copy", sl.Err(err))

	var local bool
	if _, cerr := s.cache.Get(ctx, subscribedKey(userUID), &local); cerr != nil {
		log.Warn("failed to read cached subscriber flag", sl.Err(cerr))
		return false
	}
	return local
}

// Remember сохраняет подтвержденную активную подписку в кеш и выставляет флаг подписчика.
// Ошибки только логируются.
func (s *Service) Remember(ctx context.Context, snap models.SubscriptionSnapshot) {
	const op = "entitlement.Remember"
	if err := s.remember(ctx, snap); err != nil {
		s.log.Warn("failed to refresh entitlement cache", sl.Op(op), slog.String("user_uid", snap.UserUID), sl.Err(err))
	}
}

// RememberIfLater обновляет локальную копию, если она не истекает позже snap.
// Используется для событий, которые могут прийти с опозданием или повторно.
func (s *Service) RememberIfLater(ctx context.Context, snap models.SubscriptionSnapshot) {
	const op = "entitlement.RememberIfLater"
	var cached models.CachedSnapshot
	found, err := s.cache.Get(ctx, snapshotKey(snap.UserUID), &cached)
	if err == nil && found && expiresAfter(cached.ExpiresAt, snap.ExpiresAt) {
		s.log.Debug("cached subscription expires later, skipping refresh",
			sl.Op(op), slog.String("user_uid", snap.UserUID), slog.String("reference", snap.Reference))
		return
	}
	s.Remember(ctx, snap)
}

// expiresAfter сообщает, истекает ли a позже b. nil означает бессрочно.
func expiresAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return a.After(*b)
	}
}

func (s *Service) remember(ctx context.Context, snap models.SubscriptionSnapshot) error {
	var errList []error
	cached := models.CachedSnapshot{UserUID: snap.UserUID, Plan: snap.Plan, ExpiresAt: snap.ExpiresAt}
	if err := s.cache.Set(ctx, snapshotKey(snap.UserUID), cached, s.cfg.CacheTTL); err != nil {
		errList = append(errList, fmt.Errorf("cache snapshot: %w", err))
	}
	if err := s.cache.Set(ctx, subscribedKey(snap.UserUID), true, 0); err != nil {
		errList = append(errList, fmt.Errorf("cache subscriber flag: %w", err))
	}
	if err := s.store.SetHasSubscribed(ctx, snap.UserUID); err != nil {
		errList = append(errList, fmt.Errorf("set subscriber flag: %w", err))
	}
	return errors.Join(errList...)
}

// ResetSubscribedFlag снимает флаг подписчика в хранилище и кеше.
func (s *Service) ResetSubscribedFlag(ctx context.Context, userUID string) error {
	const op = "entitlement.ResetSubscribedFlag"
	if err := s.store.ResetHasSubscribed(ctx, userUID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.cache.Invalidate(ctx, subscribedKey(userUID)); err != nil {
		s.log.Warn("failed to invalidate cached subscriber flag", sl.Op(op), sl.Err(err))
	}
	return nil
}

// background выполняет запись вне пути чтения. Ошибки и паники только логируются.
func (s *Service) background(log *slog.Logger, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in background entitlement write", slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn("background entitlement write failed", sl.Err(err))
		}
	}()
}
