// Package reset сбрасывает признак "уже подписывался". Доступен только вне боевого окружения.
package reset

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
)

// Service сбрасывает признак.
type Service interface {
	ResetSubscribedFlag(ctx context.Context, userUID string) error
}

// Handler обрабатывает запрос.
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
// @Summary Сбросить признак подписки (тестовые окружения)
// @Tags Entitlement
// @Success 204
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 503 {object} response.ErrorResponse "Хранилище недоступно"
// @Router /entitlement/subscribed-flag [delete]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.reset"
	log := h.log.With(sl.Op(op))

	userUID, _, ok := middlewarectx.UserFromContext(r.Context())
	if !ok {
		log.Error("user UID not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	if err := h.service.ResetSubscribedFlag(r.Context(), userUID); err != nil {
		log.Error("failed to reset subscribed flag", sl.Err(err))
		response.WriteError(w, r, err)
		return
	}
	log.Info("subscribed flag reset", slog.String("user_uid", userUID))
	w.WriteHeader(http.StatusNoContent)
}
