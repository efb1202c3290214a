package paymentprovider

import (
	"encoding/json"
	"time"
)

// Статусы транзакции на стороне шлюза.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusAbandoned  = "abandoned"
	StatusReversed   = "reversed"
	StatusPending    = "pending"
	StatusOngoing    = "ongoing"
	StatusProcessing = "processing"
	StatusQueued     = "queued"
)

// InitializeRequest запрос на открытие платежной сессии.
// Amount передается в минимальных единицах валюты.
type InitializeRequest struct {
	Email       string          `json:"email"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Channels    []string        `json:"channels,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// InitializeResult данные открытой сессии.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction состояние транзакции по данным шлюза.
type Transaction struct {
	ID              int64      `json:"id"`
	Status          string     `json:"status"`
	Reference       string     `json:"reference"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Channel         string     `json:"channel"`
	GatewayResponse string     `json:"gateway_response"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`

	// Raw исходное тело ответа, сохраняется в транзакции как есть.
	Raw json.RawMessage `json:"-"`
}

// Terminal сообщает, окончательный ли статус. Брошенная оплата еще может завершиться.
func (t *Transaction) Terminal() bool {
	switch t.Status {
	case StatusSuccess, StatusFailed, StatusReversed:
		return true
	default:
		return false
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}
