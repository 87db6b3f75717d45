package usage

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CustomerIDLocal is the fiber locals key upstream middleware may set to
// identify the acting customer.
const CustomerIDLocal = "CUSTOMER_ID"

// RequireQuota returns middleware that admits the request only if the
// customer has quota left for the metric, consuming one unit on admission.
// Denials answer 402 with the current usage and limit so clients can render
// an upgrade prompt.
func RequireQuota(gate *Gate, metric string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		customerID := customerFromRequest(c)
		if customerID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "customer id missing"})
		}

		result, err := gate.CheckAndIncrement(c.Context(), customerID, metric)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "usage_store_unavailable", "message": "Quota check unavailable, request denied"})
		}
		if !result.Allowed {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":         "quota_exceeded",
				"metric":        result.Metric,
				"current_usage": result.CurrentUsage,
				"limit":         result.Limit,
			})
		}
		return c.Next()
	}
}

func customerFromRequest(c *fiber.Ctx) string {
	if v, ok := c.Locals(CustomerIDLocal).(string); ok && v != "" {
		return v
	}
	if v := strings.TrimSpace(c.Get("X-Customer-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(c.Params("customerId"))
}
