package payments

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LukasBehrendt/StudioMap/app/models"
	"gorm.io/gorm"
)

// GrantMembership activates the user and opens a fresh membership window of
// the given length. The user flip and the membership insert are one atomic
// unit in the repository; the studio activation is a command toward the
// profile collaborator issued afterwards.
func (s *Service) GrantMembership(userID uint, months int) (*models.Membership, error) {
	now := s.now()
	membership, err := s.repo.GrantMembership(userID, now, GrantExpiry(now, months), models.PaymentMethodStripe)
	if err != nil {
		return nil, fmt.Errorf("grant membership for user %d: %w", userID, err)
	}
	if membership == nil {
		return nil, ErrMembershipInvariant
	}

	if err := s.repo.SetStudioStatus(userID, models.StudioStatusActive); err != nil {
		return membership, fmt.Errorf("activate studio for user %d: %w", userID, err)
	}
	return membership, nil
}

// ManualGrant is the operator path around GrantMembership: no provider event
// is involved and the membership is marked as manually granted. A zero month
// count falls back to the default window.
func (s *Service) ManualGrant(userID uint, months int) (*models.Membership, error) {
	if months <= 0 {
		months = defaultMembershipMonths
	}
	now := s.now()
	membership, err := s.repo.GrantMembership(userID, now, GrantExpiry(now, months), models.PaymentMethodManual)
	if err != nil {
		return nil, fmt.Errorf("manual grant for user %d: %w", userID, err)
	}
	if membership == nil {
		return nil, ErrMembershipInvariant
	}

	if err := s.repo.SetStudioStatus(userID, models.StudioStatusActive); err != nil {
		return membership, fmt.Errorf("activate studio for user %d: %w", userID, err)
	}
	return membership, nil
}

// CancelMembership ends the user's active membership at the given instant and
// deactivates the studio profile.
func (s *Service) CancelMembership(userID uint, now time.Time) error {
	cancelled, err := s.repo.CancelActiveMembership(userID, now)
	if err != nil {
		return fmt.Errorf("cancel membership for user %d: %w", userID, err)
	}
	if !cancelled {
		return gorm.ErrRecordNotFound
	}
	if err := s.repo.SetStudioStatus(userID, models.StudioStatusInactive); err != nil {
		return fmt.Errorf("deactivate studio for user %d: %w", userID, err)
	}
	return nil
}

// Renew extends the membership according to the renewal kind. Early and
// standard renewals need a known current expiry, taken from the hint when the
// event carries one, else from the latest membership row. The new window's
// end never regresses behind the old one.
func (s *Service) Renew(userID uint, kind string, expiryHint *time.Time) (*models.Membership, error) {
	currentExpiry := expiryHint
	if currentExpiry == nil {
		latest, err := s.repo.LatestMembership(userID)
		switch {
		case err == nil:
			currentExpiry = &latest.CurrentPeriodEnd
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 5year renewals tolerate this; early/standard fail below.
		default:
			return nil, fmt.Errorf("load latest membership for user %d: %w", userID, err)
		}
	}

	now := s.now()
	end, err := RenewalExpiry(kind, currentExpiry, now)
	if err != nil {
		return nil, err
	}

	membership, err := s.repo.GrantMembership(userID, now, end, models.PaymentMethodStripe)
	if err != nil {
		return nil, fmt.Errorf("renew membership for user %d: %w", userID, err)
	}
	if membership == nil {
		return nil, ErrMembershipInvariant
	}

	if err := s.repo.SetStudioStatus(userID, models.StudioStatusActive); err != nil {
		return membership, fmt.Errorf("activate studio for user %d: %w", userID, err)
	}
	log.Printf("payments: renewed membership for user %d (%s) until %s", userID, kind, end.Format("2006-01-02"))
	return membership, nil
}
