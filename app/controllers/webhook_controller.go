package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/env"
)

var (
	webhookService  *billing.Service
	webhookEnqueuer func(customerID string) error
)

// InitializeWebhookController wires the ingestion service and the reconcile
// enqueue hook.
func InitializeWebhookController(svc *billing.Service, enqueue func(customerID string) error) {
	webhookService = svc
	webhookEnqueuer = enqueue
}

// HandlePaymentWebhook is the only write entry point from outside the system
// boundary. It verifies the signature, records the event idempotently, hands
// off reconciliation, and acknowledges fast; subscription state is never
// touched here.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("X-Payment-Signature")
	secret := env.GetEnv("PAYMENT_WEBHOOK_SECRET", "")

	if !billing.VerifyWebhookSignature(rawBody, signature, secret) {
		log.Warnf("[Webhook] rejected delivery with invalid signature from %s", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	in, err := billing.ParseEnvelope(rawBody)
	if err != nil {
		if errors.Is(err, billing.ErrMalformedEnvelope) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_payload"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ingest_failed"})
	}
	in.SignatureValid = true

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := webhookService.RecordEvent(ctx, *in)
	if err != nil {
		// Provider redelivery is safe thanks to idempotent keying.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if result.Duplicate {
		// Re-enqueue on redelivery as well: if the original enqueue failed
		// the stored event is still pending, and a drain with nothing
		// pending is a no-op anyway.
		if webhookEnqueuer != nil && in.CustomerID != "" {
			if qerr := webhookEnqueuer(in.CustomerID); qerr != nil {
				log.Errorf("[Webhook] enqueue failed for customer %s: %v", in.CustomerID, qerr)
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if result.Discarded {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	if webhookEnqueuer != nil {
		if qerr := webhookEnqueuer(in.CustomerID); qerr != nil {
			// Without a reconcile job the stored event would sit pending until
			// some later delivery for this customer. Answer 5xx instead; the
			// provider redelivers and the redelivery enqueues the drain.
			log.Errorf("[Webhook] enqueue failed for customer %s: %v", in.CustomerID, qerr)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_enqueue_failed"})
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "event_id": result.EventID})
}
