package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/LukasBehrendt/StudioMap/app/models"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/database"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/env"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/metrics/counter"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/payments"
	"github.com/gofiber/fiber/v2"
)

// newPaymentService is a variable so tests can substitute collaborators.
var newPaymentService = func() *payments.Service {
	return payments.NewServiceFromDB(database.GetDB())
}

// HandleStripeWebhook is the single ingress for provider callbacks. Status
// mapping follows the provider's retry contract: 200 acknowledges processed
// events, duplicates and no-ops; 400 signals "please retry" for signature
// failures and handler errors; 500 is reserved for missing server
// configuration.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	event, err := payments.VerifyStripeEvent(rawBody, signature, secret)
	if err != nil {
		if errors.Is(err, payments.ErrSecretMissing) {
			log.Print("webhook: STRIPE_WEBHOOK_SECRET is not configured")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_not_configured"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	svc := newPaymentService()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, stored, err := svc.AdmitEvent(ctx, payments.WebhookEventInput{
		Provider:        models.PaymentProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		// Persistence failures are transient; 400 asks the provider to retry
		// instead of claiming a configuration fault.
		log.Printf("webhook: persisting event %s failed: %v", event.ID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	handleErr := svc.HandleEvent(ctx, &event)
	if handleErr != nil {
		if err := counter.AddWebhookFailed(string(event.Type)); err != nil {
			log.Printf("webhook: counter increment failed: %v", err)
		}
	} else {
		if err := counter.AddWebhookProcessed(string(event.Type)); err != nil {
			log.Printf("webhook: counter increment failed: %v", err)
		}
	}
	if err := svc.MarkEventProcessed(ctx, stored.ID, handleErr); err != nil {
		log.Printf("webhook: marking event %s processed failed: %v", event.ID, err)
	}

	if handleErr != nil {
		log.Printf("webhook: handling %s event %s failed: %v", event.Type, event.ID, handleErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "processing_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
