package apiv1

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/LukasBehrendt/StudioMap/app/repository"
)

// APIServer implements the v1 API surface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// Pong is the ping response body
type Pong struct {
	Ping string `json:"ping"`
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

func parseUserID(c *fiber.Ctx) (uint, error) {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return 0, errors.New("invalid user id")
	}
	return uint(userID), nil
}

// GetUserMembership returns the latest membership record for a user together
// with a lazily computed expiry flag. Membership rows are never expired by a
// background job; the period end is compared against the clock on read.
func (s *APIServer) GetUserMembership(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	repos := repository.GetGlobalRepositories()
	user, err := repos.User.GetByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "user not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "user lookup failed"})
	}

	membership, err := repos.Membership.LatestByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "no membership for user"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "membership lookup failed"})
	}

	return c.JSON(fiber.Map{
		"id":                   membership.ID,
		"user_id":              membership.UserID,
		"account_active":       user.IsActive(),
		"status":               membership.Status,
		"payment_method":       membership.PaymentMethod,
		"current_period_start": membership.CurrentPeriodStart,
		"current_period_end":   membership.CurrentPeriodEnd,
		"expired":              membership.IsExpired(time.Now()),
	})
}

// GetUserMembershipHistory lists all membership windows a user has
// accumulated, newest first.
func (s *APIServer) GetUserMembershipHistory(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	memberships, err := repository.GetGlobalRepositories().Membership.ListByUser(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "membership lookup failed"})
	}

	return c.JSON(fiber.Map{"user_id": userID, "memberships": memberships})
}

// GetUserStudio reports the directory status of the user's studio profile,
// including the lazily computed featured flag.
func (s *APIServer) GetUserStudio(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	studio, err := repository.GetGlobalRepositories().Studio.GetByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "no studio profile for user"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "studio lookup failed"})
	}

	return c.JSON(fiber.Map{
		"id":             studio.ID,
		"user_id":        studio.UserID,
		"name":           studio.Name,
		"city":           studio.City,
		"status":         studio.Status,
		"featured":       studio.IsFeatured(time.Now()),
		"featured_until": studio.FeaturedUntil,
	})
}
