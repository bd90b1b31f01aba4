package payments

import (
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/LukasBehrendt/StudioMap/app/models"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the payments service. Methods that
// must appear atomic to concurrent webhook deliveries run inside a single
// transaction with row-level locks on the contended rows.
type Repository interface {
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	GetUserByID(id uint) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	FindAdminUserID() (uint, error)

	CreatePaymentIfNotExists(p *models.Payment) (bool, *models.Payment, error)
	CreateFailedPayment(p *models.Payment) (bool, error)
	GetPaymentByIntentID(intentID string) (*models.Payment, error)
	MarkPaymentFailed(id uint) error
	RecordFailedPaymentAttempt(userID uint, now time.Time) error

	GetRefundByProviderRefundID(providerRefundID string) (*models.Refund, error)
	ApplyRefund(r *models.Refund, now time.Time) (fullRefund bool, err error)

	LatestMembership(userID uint) (*models.Membership, error)
	GrantMembership(userID uint, start, end time.Time, method string) (*models.Membership, error)
	CancelActiveMembership(userID uint, now time.Time) (bool, error)

	SetStudioStatus(userID uint, status string) error
	SetStudioFeatured(userID uint, until time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByEmail(email string) (*models.User, error) {
	var user models.User
	if err := r.db.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

const adminUserCacheKey = "payments:refund_operator"

// FindAdminUserID resolves the administrator used for refund attribution. The
// result is cached in Redis; a cached ID is re-validated against the users
// table so a deleted admin never leaks into a foreign key.
func (r *gormRepository) FindAdminUserID() (uint, error) {
	if v, err := cache.Get(adminUserCacheKey); err == nil {
		if id, perr := strconv.ParseUint(v, 10, 64); perr == nil && id > 0 {
			var n int64
			if err := r.db.Model(&models.User{}).
				Where("id = ? AND role = ?", id, models.ROLE_ADMIN).
				Count(&n).Error; err == nil && n > 0 {
				return uint(id), nil
			}
		}
	}

	var user models.User
	err := r.db.Where("role = ?", models.ROLE_ADMIN).Order("id ASC").First(&user).Error
	if err != nil {
		return 0, err
	}
	if err := cache.Set(adminUserCacheKey, strconv.FormatUint(uint64(user.ID), 10), time.Hour); err != nil {
		log.Printf("payments: caching refund operator failed: %v", err)
	}
	return user.ID, nil
}

// CreatePaymentIfNotExists inserts a payment keyed by its checkout session ID.
// MySQL absorbs the insert conflict on whichever unique key collides: either a
// concurrent delivery already stored this session, or a failure event stored a
// row under the same payment intent before the completion arrived. Both cases
// converge on the stored row; a failed intent row is completed in place with
// the session attached rather than losing the successful checkout.
func (r *gormRepository) CreatePaymentIfNotExists(p *models.Payment) (bool, *models.Payment, error) {
	tx := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(p)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	if p.CheckoutSessionID == nil {
		return created, p, nil
	}
	var stored models.Payment
	err := r.db.Where("checkout_session_id = ?", *p.CheckoutSessionID).First(&stored).Error
	if err == nil {
		return created, &stored, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) || p.PaymentIntentID == nil {
		return false, nil, err
	}

	// The conflict was on the intent key. Providers reuse the intent across
	// retried checkout attempts, so the earlier failed row becomes this
	// session's succeeded payment.
	if err := r.db.Where("payment_intent_id = ?", *p.PaymentIntentID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	if err := r.db.Model(&models.Payment{}).Where("id = ?", stored.ID).Updates(map[string]interface{}{
		"checkout_session_id": *p.CheckoutSessionID,
		"charge_id":           p.ChargeID,
		"amount":              p.Amount,
		"currency":            p.Currency,
		"status":              models.PaymentStatusSucceeded,
		"purpose":             p.Purpose,
		"metadata_json":       p.MetadataJSON,
	}).Error; err != nil {
		return false, nil, err
	}
	if err := r.db.First(&stored, stored.ID).Error; err != nil {
		return false, nil, err
	}
	return false, &stored, nil
}

// CreateFailedPayment inserts a failed payment keyed by its payment intent.
// Concurrent failure events for the same intent collapse onto one row.
func (r *gormRepository) CreateFailedPayment(p *models.Payment) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_intent_id"}},
		DoNothing: true,
	}).Create(p)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetPaymentByIntentID(intentID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("payment_intent_id = ?", intentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) MarkPaymentFailed(id uint) error {
	return r.db.Model(&models.Payment{}).Where("id = ?", id).
		Update("status", models.PaymentStatusFailed).Error
}

// RecordFailedPaymentAttempt bumps the user's retry counter under a row lock
// so two concurrent failure events cannot both read the same stale count.
func (r *gormRepository) RecordFailedPaymentAttempt(userID uint, now time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&user, userID).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"payment_retry_count": user.PaymentRetryCount + 1,
		}
		if user.PaymentAttemptedAt == nil {
			updates["payment_attempted_at"] = now
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
	})
}

func (r *gormRepository) GetRefundByProviderRefundID(providerRefundID string) (*models.Refund, error) {
	var refund models.Refund
	if err := r.db.Where("provider_refund_id = ?", providerRefundID).First(&refund).Error; err != nil {
		return nil, err
	}
	return &refund, nil
}

// ApplyRefund inserts the refund row and advances the payment's cumulative
// refunded amount in one transaction. The payment row is re-read under FOR
// UPDATE so the clamp is computed against a current value even when two
// refund events for the same payment race. The clamp is defensive: the
// provider should never refund more than the original amount.
func (r *gormRepository) ApplyRefund(refund *models.Refund, now time.Time) (bool, error) {
	fullRefund := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, refund.PaymentID).Error; err != nil {
			return err
		}

		newRefunded := payment.RefundedAmount + refund.Amount
		if newRefunded > payment.Amount {
			newRefunded = payment.Amount
		}
		fullRefund = newRefunded >= payment.Amount

		refund.CreatedAt = now
		if err := tx.Create(refund).Error; err != nil {
			return err
		}

		return tx.Model(&models.Payment{}).Where("id = ?", payment.ID).Updates(map[string]interface{}{
			"refunded_amount": newRefunded,
			"status":          models.RefundStatusFor(newRefunded, payment.Amount),
		}).Error
	})
	return fullRefund, err
}

func (r *gormRepository) LatestMembership(userID uint) (*models.Membership, error) {
	var m models.Membership
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GrantMembership activates the user and inserts the membership row as one
// atomic unit. A user flipped to active without a membership row is an
// invariant violation, so both writes share a transaction. A pending account
// only becomes active with a verified email address; the check runs under the
// same row lock so a concurrent verification cannot be missed.
func (r *gormRepository) GrantMembership(userID uint, start, end time.Time, method string) (*models.Membership, error) {
	membership := &models.Membership{
		UserID:             userID,
		Status:             models.MembershipStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		PaymentMethod:      method,
	}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&user, userID).Error; err != nil {
			return err
		}
		if user.Status != models.STATUS_ACTIVE && !user.EmailVerified {
			return ErrEmailNotVerified
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
			"status":               models.STATUS_ACTIVE,
			"payment_attempted_at": nil,
			"payment_retry_count":  0,
			"reminder_sent_at":     nil,
		}).Error; err != nil {
			return err
		}
		return tx.Create(membership).Error
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// CancelActiveMembership ends the user's latest active membership immediately.
// Returns false when no active membership exists.
func (r *gormRepository) CancelActiveMembership(userID uint, now time.Time) (bool, error) {
	cancelled := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var m models.Membership
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND status = ?", userID, models.MembershipStatusActive).
			Order("created_at DESC, id DESC").
			First(&m).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		cancelled = true
		return tx.Model(&models.Membership{}).Where("id = ?", m.ID).Updates(map[string]interface{}{
			"status":             models.MembershipStatusCancelled,
			"cancelled_at":       now,
			"current_period_end": now,
		}).Error
	})
	return cancelled, err
}

// SetStudioStatus is the narrow command surface toward the profile subsystem.
// A missing profile is not an error; the user may not have created one yet.
func (r *gormRepository) SetStudioStatus(userID uint, status string) error {
	return r.db.Model(&models.StudioProfile{}).
		Where("user_id = ? AND status <> ?", userID, status).
		Update("status", status).Error
}

func (r *gormRepository) SetStudioFeatured(userID uint, until time.Time) error {
	return r.db.Model(&models.StudioProfile{}).
		Where("user_id = ?", userID).
		Update("featured_until", until).Error
}
