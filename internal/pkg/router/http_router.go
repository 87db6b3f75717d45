package router

import (
	"github.com/FitnessMealPlanner/entitlements/app/controllers"
	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// The webhook endpoint authenticates by signature, not by service key,
	// so it lives outside the /api group.
	app.Post("/webhooks/payment", controllers.HandlePaymentWebhook)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
