package repository

import (
	"github.com/LukasBehrendt/StudioMap/app/models"
	"gorm.io/gorm"
)

// membershipRepository implements the MembershipRepository interface
type membershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a new membership repository instance
func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &membershipRepository{db: db}
}

// LatestByUser returns the authoritative membership row: the most recent by
// creation time.
func (r *membershipRepository) LatestByUser(userID uint) (*models.Membership, error) {
	var m models.Membership
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByUser returns all membership windows for a user, newest first
func (r *membershipRepository) ListByUser(userID uint) ([]models.Membership, error) {
	var memberships []models.Membership
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&memberships).Error
	return memberships, err
}
