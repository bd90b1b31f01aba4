package models

import "time"

// Refund records one provider refund exactly once, keyed by the provider's
// refund ID. ProcessedBy must reference an existing user; attribution is
// resolved to an administrator where possible, else the payment owner.
type Refund struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UUID             string    `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	ProviderRefundID string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"provider_refund_id"`
	PaymentID        uint      `gorm:"not null;index" json:"payment_id"`
	Amount           int64     `gorm:"not null" json:"amount"`
	Currency         string    `gorm:"type:varchar(8);not null;default:'eur'" json:"currency"`
	Reason           string    `gorm:"type:varchar(191)" json:"reason,omitempty"`
	Status           string    `gorm:"type:varchar(32);not null" json:"status"`
	ProcessedBy      uint      `gorm:"not null" json:"processed_by"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}
