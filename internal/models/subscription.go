// Package models содержит доменные структуры подписки, пробного периода
// и платежных транзакций, которые используются в бизнес-логике и хранилище.
package models

import "time"

// Plan тариф подписки.
type Plan string

const (
	// PlanTrial служебный тариф для статусов пробного периода, купить его нельзя.
	PlanTrial Plan = "trial"
	// PlanDaily суточная подписка.
	PlanDaily Plan = "daily"
	// PlanMonthly месячная подписка.
	PlanMonthly Plan = "monthly"
	// PlanYearly годовая подписка.
	PlanYearly Plan = "yearly"
)

// Purchasable сообщает, можно ли оплатить тариф.
func (p Plan) Purchasable() bool {
	switch p {
	case PlanDaily, PlanMonthly, PlanYearly:
		return true
	default:
		return false
	}
}

// Expiry возвращает дату окончания оплаченного периода, отсчитанного от from.
// Для непокупаемых тарифов возвращает false.
func (p Plan) Expiry(from time.Time) (time.Time, bool) {
	switch p {
	case PlanDaily:
		return from.AddDate(0, 0, 1), true
	case PlanMonthly:
		return from.AddDate(0, 1, 0), true
	case PlanYearly:
		return from.AddDate(1, 0, 0), true
	default:
		return time.Time{}, false
	}
}

// SnapshotStatus статус строки подписки в хранилище.
type SnapshotStatus string

const (
	SnapshotActive    SnapshotStatus = "active"
	SnapshotExpired   SnapshotStatus = "expired"
	SnapshotCancelled SnapshotStatus = "cancelled"
)

// SubscriptionSnapshot представляет один оплаченный период пользователя.
// ExpiresAt равен nil у бессрочной подписки.
type SubscriptionSnapshot struct {
	ID        int64
	UserUID   string
	Plan      Plan
	Status    SnapshotStatus
	StartedAt time.Time
	ExpiresAt *time.Time
	Reference string // ссылка на транзакцию, которая активировала период
}

// ActiveAt сообщает, действует ли период в момент now.
func (s *SubscriptionSnapshot) ActiveAt(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// CachedSnapshot локальная копия активной подписки, используется только при недоступности хранилища.
type CachedSnapshot struct {
	UserUID   string     `json:"user_uid"`
	Plan      Plan       `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ValidAt сообщает, можно ли доверять копии в момент now.
func (c *CachedSnapshot) ValidAt(now time.Time) bool {
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// TrialRecord дата первого появления пользователя, неизменна после создания.
type TrialRecord struct {
	UserUID        string    `json:"user_uid"`
	TrialStartedAt time.Time `json:"trial_started_at"`
}

// SubscriptionStatus итоговое состояние доступа пользователя к продукту.
type SubscriptionStatus struct {
	IsActive      bool       `json:"is_active"`
	IsTrial       bool       `json:"is_trial"`
	TrialEnded    bool       `json:"trial_ended"`
	DaysRemaining int        `json:"days_remaining"`
	Plan          Plan       `json:"plan"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}
