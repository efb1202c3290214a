// Package paymentcreate открывает платежную сессию для покупки тарифа.
package paymentcreate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/redirect"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

// Request запрос на оплату тарифа. Amount в минимальных единицах валюты.
type Request struct {
	Plan     string `json:"plan" validate:"required,oneof=daily monthly yearly"`
	Amount   int64  `json:"amount" validate:"gt=0"`
	Channel  string `json:"channel" validate:"required,oneof=card bank ussd mobile_money"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Phone    string `json:"phone,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Service открывает платежную сессию у шлюза.
type Service interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
}

// Sessions реестр сессий страницы оплаты.
type Sessions interface {
	Open(reference, userUID string, plan models.Plan) *redirect.Session
}

// Handler обрабатывает запросы на создание платежа.
type Handler struct {
	log      *slog.Logger
	service  Service
	sessions Sessions
	validate *validator.Validate // Валидатор структуры входящих данных
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
// @Summary Создать платеж
// @Description Сохраняет pending-транзакцию и открывает страницу оплаты шлюза
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param request body Request true "Тариф и способ оплаты"
// @Success 201 {object} response.Response{data=payment.InitiateResult}
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 502 {object} response.ErrorResponse "Шлюз отклонил запрос"
// @Failure 503 {object} response.ErrorResponse "Шлюз или хранилище недоступны"
// @Router /payments [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.create"
	log := h.log.With(sl.Op(op))

	userUID, email, ok := middlewarectx.UserFromContext(r.Context())
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
		log.Warn("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}
	if email == "" {
		email = req.Email
	}
	if email == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("field Email is a required field"))
		return
	}

	in := payment.InitiateRequest{
		UserUID: userUID,
		Email:   email,
		Plan:    models.Plan(req.Plan),
		Amount:  req.Amount,
		Channel: models.Channel(req.Channel),
	}
	if req.Phone != "" || req.Provider != "" {
		in.ChannelMeta = &models.ChannelMeta{Phone: req.Phone, Provider: req.Provider}
	}

	res, err := h.service.Initiate(r.Context(), in)
	if err != nil {
		log.Error("failed to initiate payment", sl.Err(err))
		response.WriteError(w, r, err)
		return
	}
	h.sessions.Open(res.Reference, userUID, in.Plan)

	log.Info("payment initiated", slog.String("reference", res.Reference), slog.String("plan", req.Plan))
	w.WriteHeader(http.StatusCreated)
	render.JSON(w, r, response.OKWithData(res))
}
