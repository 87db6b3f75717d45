package router

import (
	"github.com/FitnessMealPlanner/entitlements/app/controllers"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	// API v1 routes (internal application backend, service-key protected)
	v1 := api.Group("/v1", middleware.ServiceKeyAuthMiddleware())
	v1.Get("/entitlements/:customerId", controllers.HandleGetEntitlements)
	v1.Post("/usage/check", controllers.HandleUsageCheck)
	v1.Get("/usage/:customerId/:metric", controllers.HandleGetUsage)
	v1.Get("/events/failed", controllers.HandleListFailedEvents)
	v1.Get("/events/stats", controllers.HandlePipelineStats)
	v1.Get("/events/:eventId", controllers.HandleGetEvent)
	v1.Post("/events/:eventId/discard", controllers.HandleDiscardEvent)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
