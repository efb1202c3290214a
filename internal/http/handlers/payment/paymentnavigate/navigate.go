// Package paymentnavigate принимает от клиента адреса, на которые переходит страница оплаты.
package paymentnavigate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

// Request событие навигации.
type Request struct {
	URL string `json:"url" validate:"required"`
}

// Result ответ на событие навигации.
type Result struct {
	Outcome redirect.Outcome      `json:"outcome"`
	Result  *payment.VerifyResult `json:"result,omitempty"`
}

// Service находит транзакцию пользователя.
type Service interface {
	Owner(ctx context.Context, reference, userUID string) (*models.PendingTransaction, error)
}

// Sessions реестр сессий страницы оплаты.
type Sessions interface {
	Open(reference, userUID string, plan models.Plan) *redirect.Session
}

// Handler обрабатывает событие навигации.
type Handler struct {
	log      *slog.Logger
	service  Service
	sessions Sessions
	validate *validator.Validate
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service, sessions Sessions) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		sessions: sessions,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Событие навигации страницы оплаты
// @Description Терминальный адрес запускает одну проверку платежа, остальные игнорируются
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param reference path string true "Ссылка транзакции"
// @Param request body Request true "Адрес перехода"
// @Success 200 {object} response.Response{data=Result}
// @Failure 404 {object} response.ErrorResponse "Транзакция не найдена"
// @Router /payments/{reference}/navigation [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.navigate"
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
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	tx, err := h.service.Owner(r.Context(), reference, userUID)
	if err != nil {
		log.Warn("transaction lookup failed", sl.Err(err))
		response.WriteError(w, r, err)
		return
	}

	outcome, res, err := h.sessions.Open(tx.Reference, userUID, tx.Plan).Navigate(r.Context(), req.URL)
	if err != nil {
		log.Error("verification after redirect failed", sl.Err(err))
		response.WriteError(w, r, err)
		return
	}
	render.JSON(w, r, response.OKWithData(Result{Outcome: outcome, Result: res}))
}
