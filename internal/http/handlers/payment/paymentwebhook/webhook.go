// Package paymentwebhook принимает уведомления шлюза. Уведомление только запускает
// проверку платежа, итог определяет ответ шлюза на verify.
package paymentwebhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/paymentprovider"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/errs"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

const maxBodyBytes = 1 << 20

// SignatureVerifier проверяет подпись тела уведомления.
type SignatureVerifier interface {
	Verify(body []byte, signature string) bool
}

// Verifier проверяет платеж у шлюза.
type Verifier interface {
	Verify(ctx context.Context, reference string, expectedPlan models.Plan) (*payment.VerifyResult, error)
}

// Payload уведомление шлюза.
type Payload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// Handler обрабатывает уведомления.
type Handler struct {
	log       *slog.Logger
	verifier  Verifier
	signature SignatureVerifier
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, verifier Verifier, signature SignatureVerifier) *Handler {
	return &Handler{
		log:       log,
		verifier:  verifier,
		signature: signature,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"
	log := h.log.With(sl.Op(op))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.signature.Verify(body, r.Header.Get(paymentprovider.SignatureHeader)) {
		log.Warn("invalid or missing webhook signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	log = log.With(slog.String("event", payload.Event), slog.String("reference", payload.Data.Reference))

	if !strings.HasPrefix(strings.ToLower(payload.Event), "charge.") || payload.Data.Reference == "" {
		log.Info("ignored webhook event")
		w.WriteHeader(http.StatusOK)
		return
	}

	res, err := h.verifier.Verify(r.Context(), payload.Data.Reference, "")
	switch {
	case errors.Is(err, errs.ErrNotFound):
		log.Warn("webhook for unknown transaction")
	case errors.Is(err, errs.ErrConflict):
		log.Error("webhook payment does not match transaction", sl.Err(err))
	case err != nil:
		// шлюз повторит уведомление
		log.Error("failed to verify payment from webhook", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	default:
		log.Info("webhook processed", slog.String("status", string(res.Status)))
	}
	w.WriteHeader(http.StatusOK)
}
