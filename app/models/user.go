package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ROLE_USER      = "user"
	ROLE_ADMIN     = "admin"
	STATUS_PENDING = "pending"
	STATUS_ACTIVE  = "active"
)

// User is the account record the payment lifecycle acts on. Registration,
// login and email verification are handled by the account subsystem; this
// service only reads the verification flag and flips the status.
type User struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Name               string         `gorm:"type:varchar(150)" json:"name"`
	Email              string         `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email"`
	Password           string         `gorm:"type:text" json:"-"`
	Role               string         `gorm:"type:varchar(50);default:'user'" json:"role"`
	Status             string         `gorm:"type:varchar(50);default:'pending'" json:"status"`
	EmailVerified      bool           `gorm:"default:false" json:"email_verified"`
	VerificationToken  string         `gorm:"type:varchar(100);index" json:"-"`
	VerificationSentAt *time.Time     `gorm:"type:timestamp;default:null" json:"-"`
	PaymentAttemptedAt *time.Time     `gorm:"type:timestamp;default:null" json:"-"` // first failed charge attempt, cleared on activation
	PaymentRetryCount  int            `gorm:"default:0" json:"-"`
	ReminderSentAt     *time.Time     `gorm:"type:timestamp;default:null" json:"-"` // last renewal reminder, cleared on activation
	LastLoginAt        *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// ClearPaymentTracking resets retry/reminder fields after a successful
// activation so stale dunning state never survives a paid signup.
func (u *User) ClearPaymentTracking() {
	u.PaymentAttemptedAt = nil
	u.PaymentRetryCount = 0
	u.ReminderSentAt = nil
}
