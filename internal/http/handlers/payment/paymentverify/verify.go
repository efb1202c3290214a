// Package paymentverify ручное подтверждение оплаты ("Я оплатил").
package paymentverify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
)

// Request необязательное тело запроса.
type Request struct {
	Plan string `json:"plan,omitempty"`
}

// Service находит транзакцию пользователя.
type Service interface {
	Owner(ctx context.Context, reference, userUID string) (*models.PendingTransaction, error)
}

// Sessions реестр сессий страницы оплаты.
type Sessions interface {
	Open(reference, userUID string, plan models.Plan) *redirect.Session
}

// Handler обрабатывает подтверждение.
type Handler struct {
	log      *slog.Logger
	service  Service
	sessions Sessions
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service, sessions Sessions) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		sessions: sessions,
	}
}

// ServeHTTP godoc
// @Summary Проверить платеж
// @Description Если проверка уже выполняется, ждет ее результат
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param reference path string true "Ссылка транзакции"
// @Param request body Request false "Ожидаемый тариф"
// @Success 200 {object} response.Response{data=payment.VerifyResult}
// @Failure 404 {object} response.ErrorResponse "Транзакция не найдена"
// @Failure 409 {object} response.ErrorResponse "Тариф или сумма не совпадают"
// @Router /payments/{reference}/verify [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.verify"
	reference := chi.URLParam(r, "reference")
	log := h.log.With(sl.Op(op), slog.String("reference", reference))

	userUID, _, ok := middlewarectx.UserFromContext(r.Context())
	if !ok {
		log.Error("user UID not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Error("failed to decode request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	tx, err := h.service.Owner(r.Context(), reference, userUID)
	if err != nil {
		log.Warn("transaction lookup failed", sl.Err(err))
		response.WriteError(w, r, err)
		return
	}
	if req.Plan != "" && models.Plan(req.Plan) != tx.Plan {
		log.Warn("plan does not match transaction", slog.String("plan", req.Plan))
		response.WriteError(w, r, errs.ErrConflict)
		return
	}

	res, err := h.sessions.Open(tx.Reference, userUID, tx.Plan).Confirm(r.Context())
	if err != nil {
		log.Error("payment verification failed", sl.Err(err))
		response.WriteError(w, r, err)
		return
	}
	render.JSON(w, r, response.OKWithData(res))
}
