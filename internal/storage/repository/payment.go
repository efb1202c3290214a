package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/models"
)

const transactionColumns = `reference, user_uid, email, plan, amount, currency, channel, status,
			  gateway_payload, entitlement_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.PendingTransaction, error) {
	var (
		tx        models.PendingTransaction
		plan      string
		channel   string
		status    string
		payload   []byte
		expiresAt sql.NullTime
	)
	if err := row.Scan(&tx.Reference, &tx.UserUID, &tx.Email, &plan, &tx.Amount, &tx.Currency,
		&channel, &status, &payload, &expiresAt, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Plan = models.Plan(plan)
	tx.Channel = models.Channel(channel)
	tx.Status = models.TransactionStatus(status)
	if len(payload) > 0 {
		tx.GatewayPayload = json.RawMessage(payload)
	}
	tx.EntitlementExpiresAt = nullableTime(expiresAt)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

// CreateTransaction сохраняет новую транзакцию в статусе pending.
// Повтор ссылки возвращает ErrConflict.
func (s *Storage) CreateTransaction(ctx context.Context, tx models.PendingTransaction) error {
	const op = "storage.CreateTransaction"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `INSERT INTO payment_transactions (reference, user_uid, email, plan, amount, currency, channel, status)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')`
	_, err := s.DB.ExecContext(ctx, query,
		tx.Reference, tx.UserUID, tx.Email, string(tx.Plan), tx.Amount, tx.Currency, string(tx.Channel))
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

// GetTransaction возвращает транзакцию по ссылке.
func (s *Storage) GetTransaction(ctx context.Context, reference string) (*models.PendingTransaction, error) {
	const op = "storage.GetTransaction"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE reference = $1`
	tx, err := scanTransaction(s.DB.QueryRowContext(ctx, query, reference))
	if err != nil {
		return nil, wrap(op, err)
	}
	return tx, nil
}

// MarkTransactionSucceeded переводит pending-транзакцию в success и запоминает
// дату окончания выданного доступа. Возвращает false, если транзакция уже не pending.
func (s *Storage) MarkTransactionSucceeded(ctx context.Context, reference string, expiresAt *time.Time, payload json.RawMessage) (bool, error) {
	const op = "storage.MarkTransactionSucceeded"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	query := `UPDATE payment_transactions
			  SET status = 'success', entitlement_expires_at = $2,
				  gateway_payload = COALESCE($3::jsonb, gateway_payload), updated_at = NOW()
			  WHERE reference = $1 AND status = 'pending'`
	return s.execTransition(ctx, op, query, reference, expiresAt, nullableJSON(payload))
}

// MarkTransactionFailed переводит pending-транзакцию в failed.
// Возвращает false, если транзакция уже не pending.
func (s *Storage) MarkTransactionFailed(ctx context.Context, reference string, payload json.RawMessage) (bool, error) {
	const op = "storage.MarkTransactionFailed"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	query := `UPDATE payment_transactions
			  SET status = 'failed', gateway_payload = COALESCE($2::jsonb, gateway_payload), updated_at = NOW()
			  WHERE reference = $1 AND status = 'pending'`
	return s.execTransition(ctx, op, query, reference, nullableJSON(payload))
}

// SaveGatewayPayload обновляет сырой ответ шлюза без смены статуса.
func (s *Storage) SaveGatewayPayload(ctx context.Context, reference string, payload json.RawMessage) error {
	const op = "storage.SaveGatewayPayload"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	query := `UPDATE payment_transactions SET gateway_payload = $2::jsonb, updated_at = NOW()
			  WHERE reference = $1`
	if _, err := s.DB.ExecContext(ctx, query, reference, nullableJSON(payload)); err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *Storage) execTransition(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(op, err)
	}
	return n == 1, nil
}

// ListTransactions возвращает транзакции пользователя, новые первыми.
func (s *Storage) ListTransactions(ctx context.Context, userUID string, limit, offset int) ([]*models.PendingTransaction, error) {
	const op = "storage.ListTransactions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
			  FROM payment_transactions
			  WHERE user_uid = $1
			  ORDER BY created_at DESC
			  LIMIT $2 OFFSET $3`
	return s.queryTransactions(ctx, op, query, userUID, limit, offset)
}

// ListStalePending возвращает pending-транзакции, созданные раньше olderThan.
func (s *Storage) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.PendingTransaction, error) {
	const op = "storage.ListStalePending"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
			  FROM payment_transactions
			  WHERE status = 'pending' AND created_at < $1
			  ORDER BY created_at
			  LIMIT $2`
	return s.queryTransactions(ctx, op, query, olderThan.UTC(), limit)
}

func (s *Storage) queryTransactions(ctx context.Context, op, query string, args ...any) ([]*models.PendingTransaction, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make([]*models.PendingTransaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return result, nil
}
