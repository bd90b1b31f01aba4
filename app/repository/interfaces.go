package repository

import (
	"github.com/LukasBehrendt/StudioMap/app/models"
	"gorm.io/gorm"
)

// UserRepository defines read access to accounts for the API surface.
// Account mutation belongs to the payments engine and the (external)
// registration flow.
type UserRepository interface {
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
}

// MembershipRepository defines read access to membership windows for the
// API surface. All writes go through the payments engine.
type MembershipRepository interface {
	LatestByUser(userID uint) (*models.Membership, error)
	ListByUser(userID uint) ([]models.Membership, error)
}

// StudioProfileRepository defines the interface for studio profile reads
type StudioProfileRepository interface {
	GetByUserID(userID uint) (*models.StudioProfile, error)
}

// Repositories holds all repository instances
type Repositories struct {
	User       UserRepository
	Membership MembershipRepository
	Studio     StudioProfileRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:       NewUserRepository(db),
		Membership: NewMembershipRepository(db),
		Studio:     NewStudioProfileRepository(db),
	}
}
