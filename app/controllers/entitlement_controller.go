package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/metrics/counter"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/usage"
)

var (
	entitlementResolver usage.SnapshotResolver
	usageGate           *usage.Gate
	ingestService       *billing.Service
	usageCheckValidator = validator.New()
)

// InitializeEntitlementController wires the resolver, gate and ingestion
// service used by the read-side API.
func InitializeEntitlementController(resolver usage.SnapshotResolver, gate *usage.Gate, svc *billing.Service) {
	entitlementResolver = resolver
	usageGate = gate
	ingestService = svc
}

// HandleGetEntitlements returns the cached entitlement snapshot for a
// customer, recomputing lazily on miss or expiry.
func HandleGetEntitlements(c *fiber.Ctx) error {
	customerID := strings.TrimSpace(c.Params("customerId"))
	if customerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "customerId missing"})
	}

	snap, err := entitlementResolver.Resolve(customerID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entitlement_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(snap)
}

type usageCheckRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Metric     string `json:"metric" validate:"required"`
}

// HandleUsageCheck atomically tests and increments usage of a metric. A
// quota denial is a 200 with allowed=false; it is a business outcome, not an
// error.
func HandleUsageCheck(c *fiber.Ctx) error {
	var req usageCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid JSON body"})
	}
	if err := usageCheckValidator.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "customer_id and metric are required"})
	}

	result, err := usageGate.CheckAndIncrement(c.Context(), req.CustomerID, req.Metric)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "usage_store_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleGetUsage reports current usage of a metric without consuming a unit.
func HandleGetUsage(c *fiber.Ctx) error {
	customerID := strings.TrimSpace(c.Params("customerId"))
	metric := strings.TrimSpace(c.Params("metric"))
	if customerID == "" || metric == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "customerId and metric missing"})
	}

	result, err := usageGate.Peek(c.Context(), customerID, metric)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "usage_store_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleListFailedEvents gives operators dead-letter visibility into events
// that exhausted reconciliation retries.
func HandleListFailedEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	events, err := ingestService.ListFailedEvents(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_lookup_failed"})
	}

	counts, err := ingestService.EventCounts(c.Context())
	if err != nil {
		counts = map[string]int64{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events, "counts": counts})
}

// HandleGetEvent returns a single stored event for dead-letter inspection.
func HandleGetEvent(c *fiber.Ctx) error {
	eventID := strings.TrimSpace(c.Params("eventId"))
	event, err := ingestService.GetEvent(c.Context(), eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(event)
}

// HandleDiscardEvent retires a pending or failed event by operator decision.
func HandleDiscardEvent(c *fiber.Ctx) error {
	eventID := strings.TrimSpace(c.Params("eventId"))
	event, err := ingestService.DiscardEvent(c.Context(), eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		if errors.Is(err, billing.ErrEventSettled) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "event_already_settled"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_discard_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(event)
}

// HandlePipelineStats reports per-status event totals from the store together
// with the running Redis pipeline counters.
func HandlePipelineStats(c *fiber.Ctx) error {
	statuses, err := ingestService.EventCounts(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_lookup_failed"})
	}
	counters, err := counter.All()
	if err != nil {
		counters = map[string]int64{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"statuses": statuses, "counters": counters})
}
