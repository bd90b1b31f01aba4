package router

import (
	apiv1 "github.com/LukasBehrendt/StudioMap/internal/api/v1"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/constants"
	"github.com/LukasBehrendt/StudioMap/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer()
	v1.Get(constants.PingRoute, apiServer.GetPing)

	protected := v1.Group("", middleware.InternalAPIKeyMiddleware())
	protected.Get(constants.UserMembershipRoute, apiServer.GetUserMembership)
	protected.Get(constants.UserMembershipHistoryRoute, apiServer.GetUserMembershipHistory)
	protected.Get(constants.UserStudioRoute, apiServer.GetUserStudio)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
