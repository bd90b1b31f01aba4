package repository

import (
	"github.com/LukasBehrendt/StudioMap/app/models"
	"gorm.io/gorm"
)

// studioProfileRepository implements the StudioProfileRepository interface
type studioProfileRepository struct {
	db *gorm.DB
}

// NewStudioProfileRepository creates a new studio profile repository instance
func NewStudioProfileRepository(db *gorm.DB) StudioProfileRepository {
	return &studioProfileRepository{db: db}
}

// GetByUserID retrieves the studio profile owned by a user
func (r *studioProfileRepository) GetByUserID(userID uint) (*models.StudioProfile, error) {
	var profile models.StudioProfile
	err := r.db.Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
