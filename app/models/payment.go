package models

import "time"

// Payment purposes carried in checkout session metadata.
const (
	PurposeMembership        = "membership"
	PurposeMembershipRenewal = "membership_renewal"
	PurposeFeaturedUpgrade   = "featured_upgrade"
)

const (
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// Payment records one charge attempt reported by the payment provider.
// Amounts are integer minor units (cents). A zero amount is valid: fully
// discounted checkouts still produce a succeeded payment for auditability.
type Payment struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UUID              string    `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	UserID            uint      `gorm:"not null;index" json:"user_id"`
	CheckoutSessionID *string   `gorm:"type:varchar(191);uniqueIndex" json:"checkout_session_id,omitempty"`
	PaymentIntentID   *string   `gorm:"type:varchar(191);uniqueIndex" json:"payment_intent_id,omitempty"`
	ChargeID          string    `gorm:"type:varchar(191);index" json:"charge_id,omitempty"`
	Amount            int64     `gorm:"not null" json:"amount"`
	Currency          string    `gorm:"type:varchar(8);not null;default:'eur'" json:"currency"`
	Status            string    `gorm:"type:varchar(32);not null;index" json:"status"`
	RefundedAmount    int64     `gorm:"not null;default:0" json:"refunded_amount"`
	Purpose           string    `gorm:"type:varchar(50);index" json:"purpose"`
	MetadataJSON      string    `gorm:"type:text" json:"metadata_json"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFullyRefunded reports whether the cumulative refunded amount covers the
// original charge. Zero-amount payments count as fully refunded once any
// refund is recorded against them.
func (p *Payment) IsFullyRefunded() bool {
	return p.RefundedAmount >= p.Amount
}

// RefundStatusFor classifies the payment status for a cumulative refunded
// amount. The caller is expected to have clamped the amount already.
func RefundStatusFor(refundedAmount, amount int64) string {
	if refundedAmount >= amount {
		return PaymentStatusRefunded
	}
	if refundedAmount > 0 {
		return PaymentStatusPartiallyRefunded
	}
	return PaymentStatusSucceeded
}
