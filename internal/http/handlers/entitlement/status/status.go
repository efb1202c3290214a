// Package status отдает текущее состояние доступа пользователя к продукту.
package status

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
)

// Service вычисляет доступ пользователя. Resolve не возвращает ошибок.
type Service interface {
	Resolve(ctx context.Context, userUID string) models.SubscriptionStatus
}

// Handler обрабатывает запрос статуса доступа.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Статус доступа
// @Description Возвращает состояние подписки или пробного периода пользователя
// @Tags Entitlement
// @Produce  json
// @Success 200 {object} response.Response{data=models.SubscriptionStatus}
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Router /entitlement [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.status"
	log := h.log.With(sl.Op(op))

	userUID, _, ok := middlewarectx.UserFromContext(r.Context())
	if !ok {
		log.Error("user UID not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	status := h.service.Resolve(r.Context(), userUID)
	render.JSON(w, r, response.OKWithData(status))
}
