package models

import "time"

// SubscriptionActivated событие об активации или продлении подписки.
type SubscriptionActivated struct {
	UserUID     string     `json:"user_uid"`
	Plan        Plan       `json:"plan"`
	Reference   string     `json:"reference"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ActivatedAt time.Time  `json:"activated_at"`
}

// ReconcileRequest просьба повторно проверить транзакцию, результат которой неизвестен.
type ReconcileRequest struct {
	Reference   string    `json:"reference"`
	Plan        Plan      `json:"plan"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}
