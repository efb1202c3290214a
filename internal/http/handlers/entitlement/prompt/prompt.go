// Package prompt сообщает клиенту, показывать ли экран оформления подписки.
package prompt

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
)

// Service решает, нужен ли экран подписки.
type Service interface {
	ShouldPromptForSubscription(ctx context.Context, userUID string) bool
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
// @Summary Нужен ли экран подписки
// @Tags Entitlement
// @Produce  json
// @Success 200 {object} response.Response
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Router /entitlement/prompt [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.prompt"
	log := h.log.With(sl.Op(op))

	userUID, _, ok := middlewarectx.UserFromContext(r.Context())
	if !ok {
		log.Error("user UID not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	render.JSON(w, r, response.OKWithData(map[string]bool{
		"should_prompt": h.service.ShouldPromptForSubscription(r.Context(), userUID),
	}))
}
