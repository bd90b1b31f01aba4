package models

import "time"

const (
	StudioStatusActive   = "active"
	StudioStatusInactive = "inactive"
)

// StudioProfile is the directory listing owned by the profile subsystem. The
// payment engine only issues narrow status commands against it (activate on
// grant/renew, deactivate on full refund) and sets the featured window.
type StudioProfile struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	Name          string     `gorm:"type:varchar(200);not null" json:"name"`
	City          string     `gorm:"type:varchar(100);index" json:"city"`
	Status        string     `gorm:"type:varchar(32);not null;default:'inactive';index" json:"status"`
	FeaturedUntil *time.Time `gorm:"type:timestamp;default:null" json:"featured_until,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFeatured reports whether the profile currently holds a featured slot.
func (s *StudioProfile) IsFeatured(now time.Time) bool {
	return s.FeaturedUntil != nil && now.Before(*s.FeaturedUntil)
}
