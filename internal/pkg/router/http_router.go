package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/LukasBehrendt/StudioMap/app/controllers"
	"github.com/LukasBehrendt/StudioMap/app/repository"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/constants"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/database"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/middleware"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Wire repositories before any route that uses them is registered.
	repository.InitializeFactory(database.GetDB())

	h.registerInternalRoutes(app)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

// registerInternalRoutes mounts provider-facing and operator-facing routes.
// The Stripe webhook authenticates via signature verification inside the
// handler, so it is mounted outside the API key group.
func (h HttpRouter) registerInternalRoutes(app *fiber.App) {
	internal := app.Group("/api/internal")

	payments := internal.Group("/payments")
	payments.Post(constants.StripeWebhookRoute, controllers.HandleStripeWebhook)

	admin := internal.Group("/admin", middleware.InternalAPIKeyMiddleware())
	admin.Post(constants.AdminGrantRoute, controllers.HandleGrantMembership)
	admin.Post(constants.AdminCancelRoute, controllers.HandleCancelMembership)
}
