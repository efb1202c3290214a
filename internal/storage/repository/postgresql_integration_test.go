package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/fintrack-billing/internal/migrations"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

func setupTestDatabase(t *testing.T) *Storage {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION_TESTS") != "" || testing.Short() {
		t.Skip("integration tests disabled")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = storage.Close()
	})

	root, err := filepath.Abs("../../..")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, filepath.Join(root, "migrations")))
	require.NoError(t, CheckDatabaseReady(ctx, storage))

	return storage
}

func TestIntegration_TrialIsCreatedOnce(t *testing.T) {
	storage := setupTestDatabase(t)
	ctx := context.Background()
	first := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	rec, err := storage.GetOrCreateTrial(ctx, "user-1", first)
	require.NoError(t, err)
	assert.True(t, first.Equal(rec.TrialStartedAt))

	rec, err = storage.GetOrCreateTrial(ctx, "user-1", first.Add(48*time.Hour))
	require.NoError(t, err)
	assert.True(t, first.Equal(rec.TrialStartedAt), "trial start must not move")
}

func TestIntegration_ActivateSubscriptionSupersedes(t *testing.T) {
	storage := setupTestDatabase(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	firstExp := start.AddDate(0, 0, 1)
	secondExp := start.AddDate(0, 1, 0)

	_, err := storage.LatestSubscriptionByStatus(ctx, "user-1", models.SnapshotActive)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, storage.ActivateSubscription(ctx, models.SubscriptionSnapshot{
		UserUID: "user-1", Plan: models.PlanDaily, StartedAt: start, ExpiresAt: &firstExp, Reference: "FT-1",
	}))
	require.NoError(t, storage.ActivateSubscription(ctx, models.SubscriptionSnapshot{
		UserUID: "user-1", Plan: models.PlanMonthly, StartedAt: start, ExpiresAt: &secondExp, Reference: "FT-2",
	}))
	// повтор той же ссылки не создает новую строку
	require.NoError(t, storage.ActivateSubscription(ctx, models.SubscriptionSnapshot{
		UserUID: "user-1", Plan: models.PlanMonthly, StartedAt: start, ExpiresAt: &secondExp, Reference: "FT-2",
	}))

	// повтор более старой ссылки не отменяет более позднюю подписку
	require.NoError(t, storage.ActivateSubscription(ctx, models.SubscriptionSnapshot{
		UserUID: "user-1", Plan: models.PlanDaily, StartedAt: start, ExpiresAt: &firstExp, Reference: "FT-1",
	}))

	active, err := storage.LatestSubscriptionByStatus(ctx, "user-1", models.SnapshotActive)
	require.NoError(t, err)
	assert.Equal(t, "FT-2", active.Reference)
	assert.Equal(t, models.PlanMonthly, active.Plan)
	assert.True(t, secondExp.Equal(*active.ExpiresAt))

	var count int
	require.NoError(t, storage.DB.QueryRow(
		`SELECT COUNT(*) FROM subscriptions WHERE user_uid = 'user-1' AND status = 'active'`).Scan(&count))
	assert.Equal(t, 1, count)

	has, err := storage.HasSubscribed(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestIntegration_TransactionLifecycle(t *testing.T) {
	storage := setupTestDatabase(t)
	ctx := context.Background()

	tx := models.PendingTransaction{
		Reference: "FT-1", UserUID: "user-1", Email: "u@example.com",
		Plan: models.PlanMonthly, Amount: 250000, Currency: "NGN", Channel: models.ChannelCard,
	}
	require.NoError(t, storage.CreateTransaction(ctx, tx))
	require.ErrorIs(t, storage.CreateTransaction(ctx, tx), errs.ErrConflict)

	expires := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	ok, err := storage.MarkTransactionSucceeded(ctx, "FT-1", &expires, []byte(`{"status":"success"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = storage.MarkTransactionFailed(ctx, "FT-1", nil)
	require.NoError(t, err)
	assert.False(t, ok, "terminal status must not change")

	got, err := storage.GetTransaction(ctx, "FT-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionSuccess, got.Status)
	require.NotNil(t, got.EntitlementExpiresAt)
	assert.True(t, expires.Equal(*got.EntitlementExpiresAt))

	list, err := storage.ListTransactions(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stale, err := storage.ListStalePending(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
