package models

import "time"

const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
	SubscriptionNone    = "none"
)

// Account — зеркало биллинга: статус подписки и лимит устройств.
// Сам биллинг живёт снаружи, мы только читаем его состояние.
type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username    string     `gorm:"uniqueIndex;size:255;not null" json:"username"`
	Status      string     `gorm:"size:32;default:none" json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DeviceLimit int        `json:"device_limit"` // 0 — лимит по умолчанию из конфига
}

// Entitled — подписка активна и не истекла на момент now.
func (a *Account) Entitled(now time.Time) bool {
	if a.Status != SubscriptionActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}
