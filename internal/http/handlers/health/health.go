// Package health отдает состояние сервиса.
package health

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/fintrack-billing/internal/http/response"
	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
)

// Checker проверяет доступность зависимости.
type Checker interface {
	Ping(ctx context.Context) error
}

// Handler обрабатывает запрос здоровья.
type Handler struct {
	log *slog.Logger
	db  Checker
}

// New создает Handler. db может быть nil.
func New(log *slog.Logger, db Checker) *Handler {
	return &Handler{
		log: log,
		db:  db,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.health"

	dbStatus := "ok"
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.log.Warn("database is not reachable", sl.Op(op), sl.Err(err))
			dbStatus = "unavailable"
		}
	}
	// сервис остается доступным без базы: доступ считается по кешу
	w.WriteHeader(http.StatusOK)
	render.JSON(w, r, response.OKWithData(map[string]any{
		"status":   "ok",
		"database": dbStatus,
	}))
}
