// Package reconciler собирает воркер сверки платежей.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/fintrack-billing/internal/cache"
	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/paymentprovider"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/entitlement"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/reconcile"
	"github.com/magabrotheeeer/fintrack-billing/internal/storage/repository"
)

const consumerWorkers = 4

// App воркер сверки.
type App struct {
	service      *reconcile.Service
	entitlements *entitlement.Service
	db           *repository.Storage
	cache        *cache.Cache
	conn         *amqp.Connection
	ch           *amqp.Channel
	interval     time.Duration
	logger       *slog.Logger
}

func waitForDB(ctx context.Context, db *repository.Storage) error {
	var err error
	for range 10 {
		if err = repository.CheckDatabaseReady(ctx, db); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("database not ready after retries: %w", err)
}

// New создает воркер.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	a := &App{conn: conn, logger: logger, interval: cfg.Billing.ReconcileAfter}

	a.ch, err = rabbitmq.SetupChannel(conn, rabbitmq.GetPaymentQueues())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	a.db, err = repository.New(cfg.StorageConnectionString)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err := waitForDB(ctx, a.db); err != nil {
		a.close()
		return nil, err
	}

	a.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	a.entitlements = entitlement.New(a.db, a.cache, cfg.Entitlement, logger)
	payments := payment.New(a.db, paymentprovider.NewClient(cfg.Gateway), a.entitlements,
		cfg.Gateway, cfg.Billing, logger, payment.WithPublisher(rabbitmq.NewPublisher(a.ch)))
	a.service = reconcile.New(payments, a.db, a.entitlements, cfg.Billing, logger)
	return a, nil
}

// Run читает очереди сверки и активаций и периодически обходит зависшие транзакции.
func (a *App) Run(ctx context.Context) error {
	waitReconcile, err := rabbitmq.ConsumerMessage(ctx, a.ch, rabbitmq.QueueReconcile, consumerWorkers, a.service.HandleReconcile, a.logger)
	if err != nil {
		a.close()
		return err
	}
	waitActivated, err := rabbitmq.ConsumerMessage(ctx, a.ch, rabbitmq.QueueSubscriptionActivated, 1, a.service.HandleActivated, a.logger)
	if err != nil {
		waitReconcile()
		a.close()
		return err
	}

	a.service.Run(ctx, a.interval)

	<-ctx.Done()
	a.logger.Info("shutting down reconciler")
	waitReconcile()
	waitActivated()
	a.close()
	return nil
}

func (a *App) close() {
	if a.entitlements != nil {
		a.entitlements.Wait()
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close cache", sl.Err(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close database", sl.Err(err))
		}
	}
}
