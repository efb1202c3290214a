package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

// GetOrCreateTrial возвращает дату начала пробного периода, создавая её при первом обращении.
// Повторные вызовы не меняют сохранённую дату.
func (s *Storage) GetOrCreateTrial(ctx context.Context, userUID string, now time.Time) (*models.TrialRecord, error) {
	const op = "storage.GetOrCreateTrial"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `WITH ins AS (
				INSERT INTO trials (user_uid, trial_started_at) VALUES ($1, $2)
				ON CONFLICT (user_uid) DO NOTHING
				RETURNING trial_started_at
			  )
			  SELECT trial_started_at FROM ins
			  UNION ALL
			  SELECT trial_started_at FROM trials WHERE user_uid = $1
			  LIMIT 1`
	result := models.TrialRecord{UserUID: userUID}
	if err := s.DB.QueryRowContext(ctx, query, userUID, now.UTC()).Scan(&result.TrialStartedAt); err != nil {
		return nil, wrap(op, err)
	}
	result.TrialStartedAt = result.TrialStartedAt.UTC()
	return &result, nil
}

// LatestSubscriptionByStatus возвращает самый свежий снимок подписки с указанным статусом:
// бессрочные первыми, затем по дате окончания и дате начала.
func (s *Storage) LatestSubscriptionByStatus(ctx context.Context, userUID string, status models.SnapshotStatus) (*models.SubscriptionSnapshot, error) {
	const op = "storage.LatestSubscriptionByStatus"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT id, user_uid, plan, status, started_at, expires_at, COALESCE(reference, '')
			  FROM subscriptions
			  WHERE user_uid = $1 AND status = $2
			  ORDER BY expires_at DESC NULLS FIRST, started_at DESC
			  LIMIT 1`
	var (
		snap      models.SubscriptionSnapshot
		plan      string
		st        string
		expiresAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, query, userUID, string(status)).
		Scan(&snap.ID, &snap.UserUID, &plan, &st, &snap.StartedAt, &expiresAt, &snap.Reference)
	if err != nil {
		return nil, wrap(op, err)
	}
	snap.Plan = models.Plan(plan)
	snap.Status = models.SnapshotStatus(st)
	snap.StartedAt = snap.StartedAt.UTC()
	snap.ExpiresAt = nullableTime(expiresAt)
	return &snap, nil
}

// UpdateSubscriptionStatus переводит снимок из статуса from в статус to.
// Если снимок уже не в статусе from, возвращает ErrConflict.
func (s *Storage) UpdateSubscriptionStatus(ctx context.Context, id int64, from, to models.SnapshotStatus) error {
	const op = "storage.UpdateSubscriptionStatus"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `UPDATE subscriptions SET status = $1, updated_at = NOW()
			  WHERE id = $2 AND status = $3`
	res, err := s.DB.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrConflict)
	}
	return nil
}

// ActivateSubscription в одной транзакции записывает активный снимок по ссылке платежа,
// переводит прочие активные снимки пользователя, истекающие не позже него, в expired
// и выставляет флаг подписчика. Если активен снимок другой ссылки с более поздним
// окончанием, снимок не записывается и выставляется только флаг.
// Повторный вызов с той же ссылкой перезаписывает тот же снимок.
func (s *Storage) ActivateSubscription(ctx context.Context, snap models.SubscriptionSnapshot) (err error) {
	const op = "storage.ActivateSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	later := `SELECT EXISTS (SELECT 1 FROM subscriptions
			  WHERE user_uid = $1 AND status = 'active' AND reference IS DISTINCT FROM $2
			  AND (expires_at IS NULL OR expires_at > $3))`
	var superseded bool
	if err = tx.QueryRowContext(ctx, later, snap.UserUID, snap.Reference, snap.ExpiresAt).Scan(&superseded); err != nil {
		return wrap(op, err)
	}

	if !superseded {
		supersede := `UPDATE subscriptions SET status = 'expired', updated_at = NOW()
					  WHERE user_uid = $1 AND status = 'active' AND reference IS DISTINCT FROM $2
					  AND ($3::timestamptz IS NULL OR expires_at <= $3)`
		if _, err = tx.ExecContext(ctx, supersede, snap.UserUID, snap.Reference, snap.ExpiresAt); err != nil {
			return wrap(op, err)
		}

		upsert := `INSERT INTO subscriptions (user_uid, plan, status, started_at, expires_at, reference)
				   VALUES ($1, $2, 'active', $3, $4, $5)
				   ON CONFLICT (reference) DO UPDATE SET
					   plan = EXCLUDED.plan,
					   status = 'active',
					   expires_at = EXCLUDED.expires_at,
					   updated_at = NOW()`
		if _, err = tx.ExecContext(ctx, upsert,
			snap.UserUID, string(snap.Plan), snap.StartedAt.UTC(), snap.ExpiresAt, snap.Reference); err != nil {
			return wrap(op, err)
		}
	}

	flag := `INSERT INTO subscriber_flags (user_uid) VALUES ($1) ON CONFLICT (user_uid) DO NOTHING`
	if _, err = tx.ExecContext(ctx, flag, snap.UserUID); err != nil {
		return wrap(op, err)
	}

	if err = tx.Commit(); err != nil {
		return wrap(op, err)
	}
	return nil
}

// HasSubscribed сообщает, оформлял ли пользователь подписку хотя бы раз.
func (s *Storage) HasSubscribed(ctx context.Context, userUID string) (bool, error) {
	const op = "storage.HasSubscribed"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	query := `SELECT EXISTS (SELECT 1 FROM subscriber_flags WHERE user_uid = $1)`
	var exists bool
	if err := s.DB.QueryRowContext(ctx, query, userUID).Scan(&exists); err != nil {
		return false, wrap(op, err)
	}
	return exists, nil
}

// SetHasSubscribed выставляет флаг подписчика. Повторный вызов ничего не меняет.
func (s *Storage) SetHasSubscribed(ctx context.Context, userUID string) error {
	const op = "storage.SetHasSubscribed"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `INSERT INTO subscriber_flags (user_uid) VALUES ($1) ON CONFLICT (user_uid) DO NOTHING`
	if _, err := s.DB.ExecContext(ctx, query, userUID); err != nil {
		return wrap(op, err)
	}
	return nil
}

// ResetHasSubscribed снимает флаг подписчика. Используется только вне production.
func (s *Storage) ResetHasSubscribed(ctx context.Context, userUID string) error {
	const op = "storage.ResetHasSubscribed"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM subscriber_flags WHERE user_uid = $1`, userUID); err != nil {
		return wrap(op, err)
	}
	return nil
}
