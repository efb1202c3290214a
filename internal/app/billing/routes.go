package billing

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/magabrotheeeer/fintrack-billing/docs"
	"github.com/magabrotheeeer/fintrack-billing/internal/config"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/entitlement/prompt"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/entitlement/reset"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/entitlement/status"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/health"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/payment/paymentcallback"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/payment/paymentcreate"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/payment/paymentlist"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/payment/paymentnavigate"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/payment/paymentverify"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/handlers/payment/paymentwebhook"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

// EntitlementService операции доступа, нужные HTTP-слою.
type EntitlementService interface {
	Resolve(ctx context.Context, userUID string) models.SubscriptionStatus
	ShouldPromptForSubscription(ctx context.Context, userUID string) bool
	ResetSubscribedFlag(ctx context.Context, userUID string) error
}

// PaymentService операции платежей, нужные HTTP-слою.
type PaymentService interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
	Verify(ctx context.Context, reference string, expectedPlan models.Plan) (*payment.VerifyResult, error)
	ListTransactions(ctx context.Context, userUID string, limit, offset int) ([]*models.PendingTransaction, error)
	Owner(ctx context.Context, reference, userUID string) (*models.PendingTransaction, error)
	Lookup(ctx context.Context, reference string) (*models.PendingTransaction, error)
}

// Deps зависимости маршрутов.
type Deps struct {
	Entitlements EntitlementService
	Payments     PaymentService
	Sessions     *redirect.Registry
	Tokens       middlewarectx.TokenParser
	Signature    paymentwebhook.SignatureVerifier
	Health       health.Checker
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, cfg *config.Config, deps Deps) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	limiter := middlewarectx.NewRateLimiter(cfg.RateLimit, logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(deps.Tokens, logger))

			r.Get("/entitlement", status.New(logger, deps.Entitlements).ServeHTTP)
			r.Get("/entitlement/prompt", prompt.New(logger, deps.Entitlements).ServeHTTP)
			if !cfg.IsProduction() {
				r.Delete("/entitlement/subscribed-flag", reset.New(logger, deps.Entitlements).ServeHTTP)
			}

			r.Get("/payments/list", paymentlist.New(logger, deps.Payments).ServeHTTP)
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Post("/payments", paymentcreate.New(logger, deps.Payments, deps.Sessions).ServeHTTP)
				r.Post("/payments/{reference}/navigation", paymentnavigate.New(logger, deps.Payments, deps.Sessions).ServeHTTP)
				r.Post("/payments/{reference}/verify", paymentverify.New(logger, deps.Payments, deps.Sessions).ServeHTTP)
			})
		})

		// Вызовы шлюза и браузера без аутентификации
		r.With(limiter.Middleware).Get("/payments/callback",
			paymentcallback.New(logger, deps.Payments, deps.Sessions, cfg.Gateway.AppCallbackScheme).ServeHTTP)
		r.Post("/payments/webhook", paymentwebhook.New(logger, deps.Payments, deps.Signature).ServeHTTP)
	})

	r.Get("/health", health.New(logger, deps.Health).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
