// Package paymentcallback принимает возврат браузера со страницы оплаты шлюза
// и перенаправляет его в приложение с результатом проверки.
package paymentcallback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
)

// Статусы в адресе возврата в приложение.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
	StatusError   = "error"
)

// Service находит транзакцию по ссылке.
type Service interface {
	Lookup(ctx context.Context, reference string) (*models.PendingTransaction, error)
}

// Sessions реестр сессий страницы оплаты.
type Sessions interface {
	Open(reference, userUID string, plan models.Plan) *redirect.Session
}

// Handler обрабатывает callback шлюза.
type Handler struct {
	log       *slog.Logger
	service   Service
	sessions  Sessions
	appScheme string
}

// New создает новый экземпляр Handler. appScheme схема адреса приложения, например "fintrack".
func New(log *slog.Logger, service Service, sessions Sessions, appScheme string) *Handler {
	return &Handler{
		log:       log,
		service:   service,
		sessions:  sessions,
		appScheme: appScheme,
	}
}

// ServeHTTP godoc
// @Summary Callback шлюза
// @Description Проверяет платеж и перенаправляет в приложение
// @Tags Payments
// @Param reference query string false "Ссылка транзакции"
// @Param trxref query string false "Ссылка транзакции (альтернативное имя)"
// @Success 302
// @Failure 400 {object} response.ErrorResponse "Нет ссылки транзакции"
// @Router /payments/callback [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.callback"
	q := r.URL.Query()
	reference := q.Get("reference")
	if reference == "" {
		reference = q.Get("trxref")
	}
	log := h.log.With(sl.Op(op), slog.String("reference", reference))

	if reference == "" {
		log.Warn("callback without reference")
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("reference is required"))
		return
	}

	status := StatusError
	tx, err := h.service.Lookup(r.Context(), reference)
	if err != nil {
		log.Warn("callback for unknown transaction", sl.Err(err))
	} else {
		res, err := h.sessions.Open(tx.Reference, tx.UserUID, tx.Plan).Confirm(r.Context())
		switch {
		case err != nil:
			log.Error("payment verification failed", sl.Err(err))
		case res.Success:
			status = StatusSuccess
		case res.Status == models.TransactionFailed:
			status = StatusFailed
		default:
			status = StatusPending
		}
	}

	http.Redirect(w, r, h.deepLink(reference, status), http.StatusFound)
}

func (h *Handler) deepLink(reference, status string) string {
	q := url.Values{}
	q.Set("reference", reference)
	q.Set("status", status)
	return fmt.Sprintf("%s://payment/complete?%s", h.appScheme, q.Encode())
}
