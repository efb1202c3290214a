// Package billing собирает HTTP-сервис доступа и платежей.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/fintrack-billing/internal/cache"
	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/jwt"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/migrations"
	"github.com/magabrotheeeer/fintrack-billing/internal/paymentprovider"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/entitlement"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
	"github.com/magabrotheeeer/fintrack-billing/internal/storage/repository"
)

const shutdownTimeout = 15 * time.Second

// App HTTP-сервис с его ресурсами.
type App struct {
	server       *http.Server
	logger       *slog.Logger
	db           *repository.Storage
	cache        *cache.Cache
	conn         *amqp.Connection
	ch           *amqp.Channel
	entitlements *entitlement.Service
}

// New подключает хранилища и брокер, применяет миграции и собирает маршруты.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.billing.New"

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a := &App{logger: logger, db: db}

	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = repository.CheckDatabaseReady(ctx, db); err != nil {
		a.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%s: cache not initialized: %w", op, err)
	}

	paymentOpts := []payment.Option{}
	if cfg.RabbitMQ.URL != "" {
		a.conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.ch, err = rabbitmq.SetupChannel(a.conn, rabbitmq.GetPaymentQueues())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		paymentOpts = append(paymentOpts, payment.WithPublisher(rabbitmq.NewPublisher(a.ch)))
	} else {
		logger.Warn("rabbitmq url is not set, payment events will not be published")
	}

	a.entitlements = entitlement.New(db, a.cache, cfg.Entitlement, logger)
	payments := payment.New(db, paymentprovider.NewClient(cfg.Gateway), a.entitlements,
		cfg.Gateway, cfg.Billing, logger, paymentOpts...)
	sessions := redirect.NewRegistry(payments,
		redirect.NewClassifier(cfg.Gateway.CallbackURL, cfg.Gateway.AppCallbackScheme),
		cfg.Billing.SessionTTL, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, cfg, Deps{
		Entitlements: a.entitlements,
		Payments:     payments,
		Sessions:     sessions,
		Tokens:       jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL),
		Signature:    paymentprovider.NewHMACVerifier(cfg.Gateway.WebhookSecret),
		Health:       db,
	})

	a.server = &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP + cfg.Billing.VerifyTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

// Run запускает HTTP-сервер и останавливает его при отмене ctx.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		a.close()
		return err
	}
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
