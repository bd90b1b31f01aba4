package controllers

import (
	"errors"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/LukasBehrendt/StudioMap/internal/pkg/database"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/payments"
)

// GrantMembershipRequest is the operator-facing payload for manual grants.
// Duration defaults to twelve months when omitted.
type GrantMembershipRequest struct {
	UserID uint `json:"user_id" validate:"required,gt=0"`
	Months int  `json:"months" validate:"omitempty,gte=1,lte=60"`
}

// CancelMembershipRequest identifies the user whose active membership ends.
type CancelMembershipRequest struct {
	UserID uint `json:"user_id" validate:"required,gt=0"`
}

// HandleGrantMembership grants a manual membership to a user. Manual grants
// follow the same lifecycle path as paid ones, so the studio profile is
// activated alongside the membership row.
func HandleGrantMembership(c *fiber.Ctx) error {
	var req GrantMembershipRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid request body"})
	}

	v := validator.New()
	if err := v.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	svc := payments.NewServiceFromDB(database.GetDB())
	membership, err := svc.ManualGrant(req.UserID, req.Months)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "user not found"})
		}
		if errors.Is(err, payments.ErrEmailNotVerified) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "email_not_verified", "message": "user must verify their email address first"})
		}
		log.Printf("manual grant for user %d failed: %v", req.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "grant failed"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"membership_id":      membership.ID,
		"user_id":            membership.UserID,
		"status":             membership.Status,
		"current_period_end": membership.CurrentPeriodEnd,
	})
}

// HandleCancelMembership terminates a user's active membership immediately
// and deactivates the studio profile.
func HandleCancelMembership(c *fiber.Ctx) error {
	var req CancelMembershipRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid request body"})
	}

	v := validator.New()
	if err := v.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	svc := payments.NewServiceFromDB(database.GetDB())
	if err := svc.CancelMembership(req.UserID, time.Now()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "no active membership for user"})
		}
		log.Printf("cancel for user %d failed: %v", req.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "cancel failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
