package models

import "time"

const (
	MembershipStatusActive    = "active"
	MembershipStatusCancelled = "cancelled"
)

const (
	PaymentMethodStripe = "stripe"
	PaymentMethodManual = "manual"
)

// Membership is one paid membership window. Users accumulate rows over time;
// the most recent row by creation time is authoritative. CurrentPeriodEnd only
// moves forward under renewal, except on full-refund cancellation which forces
// it to the cancellation time.
type Membership struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart     time.Time  `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `gorm:"not null;index" json:"current_period_end"`
	CancelledAt            *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	PaymentMethod          string     `gorm:"type:varchar(32);not null;default:'stripe'" json:"payment_method"`
	ProviderSubscriptionID *string    `gorm:"type:varchar(191);default:null" json:"provider_subscription_id,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired reports whether the membership window has lapsed. Expiry is not a
// stored status; it is derived lazily from CurrentPeriodEnd by readers.
func (m *Membership) IsExpired(now time.Time) bool {
	return m.Status == MembershipStatusActive && now.After(m.CurrentPeriodEnd)
}
