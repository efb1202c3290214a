package models

import (
	"encoding/json"
	"time"
)

// TransactionStatus статус платежной транзакции.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Channel способ оплаты на стороне шлюза.
type Channel string

const (
	ChannelCard        Channel = "card"
	ChannelBank        Channel = "bank"
	ChannelUSSD        Channel = "ussd"
	ChannelMobileMoney Channel = "mobile_money"
)

// Valid сообщает, поддерживается ли способ оплаты.
func (c Channel) Valid() bool {
	switch c {
	case ChannelCard, ChannelBank, ChannelUSSD, ChannelMobileMoney:
		return true
	default:
		return false
	}
}

// ChannelMeta дополнительные параметры способа оплаты (для mobile money телефон и оператор).
type ChannelMeta struct {
	Phone    string `json:"phone,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// PendingTransaction попытка оплаты. Reference служит ключом идемпотентности.
type PendingTransaction struct {
	Reference            string            `json:"reference"`
	UserUID              string            `json:"user_uid"`
	Email                string            `json:"email"`
	Plan                 Plan              `json:"plan"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Channel              Channel           `json:"channel"`
	Status               TransactionStatus `json:"status"`
	GatewayPayload       json.RawMessage   `json:"gateway_payload,omitempty"`
	EntitlementExpiresAt *time.Time        `json:"entitlement_expires_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}
