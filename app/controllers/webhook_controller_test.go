package controllers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
)

const testWebhookSecret = "whsec_test"

type stubEventRepo struct {
	byEventID map[string]*models.PaymentEvent
	nextID    uint
}

func newStubEventRepo() *stubEventRepo {
	return &stubEventRepo{byEventID: map[string]*models.PaymentEvent{}}
}

func (r *stubEventRepo) CreateIfNotExists(event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	if stored, ok := r.byEventID[event.EventID]; ok {
		return false, stored, nil
	}
	r.nextID++
	stored := *event
	stored.ID = r.nextID
	r.byEventID[event.EventID] = &stored
	return true, &stored, nil
}

func (r *stubEventRepo) GetByEventID(eventID string) (*models.PaymentEvent, error) {
	if stored, ok := r.byEventID[eventID]; ok {
		return stored, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubEventRepo) ListPendingByCustomer(string) ([]models.PaymentEvent, error) { return nil, nil }
func (r *stubEventRepo) ListFailed(int) ([]models.PaymentEvent, error)               { return nil, nil }

func (r *stubEventRepo) byID(id uint) *models.PaymentEvent {
	for _, stored := range r.byEventID {
		if stored.ID == id {
			return stored
		}
	}
	return nil
}

func (r *stubEventRepo) MarkProcessed(id uint) error {
	r.byID(id).Status = models.EventStatusProcessed
	return nil
}

func (r *stubEventRepo) MarkFailed(id uint, processingError string) error {
	stored := r.byID(id)
	stored.Status = models.EventStatusFailed
	stored.ProcessingError = processingError
	return nil
}

func (r *stubEventRepo) MarkDiscarded(id uint) error {
	r.byID(id).Status = models.EventStatusDiscarded
	return nil
}

func (r *stubEventRepo) CountByStatus(status string) (int64, error) {
	var n int64
	for _, stored := range r.byEventID {
		if stored.Status == status {
			n++
		}
	}
	return n, nil
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newWebhookTestApp(t *testing.T, enqueue func(string) error) (*fiber.App, *stubEventRepo) {
	t.Helper()
	t.Setenv("PAYMENT_WEBHOOK_SECRET", testWebhookSecret)

	repo := newStubEventRepo()
	InitializeWebhookController(billing.NewService(repo), enqueue)

	app := fiber.New()
	app.Post("/webhooks/payment", HandlePaymentWebhook)
	return app, repo
}

func postWebhook(t *testing.T, app *fiber.App, body []byte, signature string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Payment-Signature", signature)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func validDelivery() []byte {
	return []byte(`{
		"id": "evt_test_1",
		"type": "subscription.created",
		"occurred_at": 1735689600,
		"data": {
			"customer_id": "cus_1",
			"tier": "professional",
			"status": "active",
			"customer_email": "user@example.com"
		}
	}`)
}

func TestHandlePaymentWebhook_RejectsInvalidSignature(t *testing.T) {
	app, repo := newWebhookTestApp(t, nil)
	body := validDelivery()

	resp := postWebhook(t, app, body, "deadbeef")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, repo.byEventID, "rejected deliveries must not be stored")

	resp = postWebhook(t, app, body, "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestHandlePaymentWebhook_AcceptsAndEnqueues(t *testing.T) {
	var enqueuedFor []string
	app, repo := newWebhookTestApp(t, func(customerID string) error {
		enqueuedFor = append(enqueuedFor, customerID)
		return nil
	})
	body := validDelivery()

	resp := postWebhook(t, app, body, signBody(body))
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	payload := decodeBody(t, resp)
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, "evt_test_1", payload["event_id"])
	assert.Equal(t, []string{"cus_1"}, enqueuedFor)

	stored := repo.byEventID["evt_test_1"]
	require.NotNil(t, stored)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.NotContains(t, stored.PayloadJSON, "user@example.com", "PII must be redacted before storage")
}

func TestHandlePaymentWebhook_DeduplicatesRedelivery(t *testing.T) {
	enqueues := 0
	app, repo := newWebhookTestApp(t, func(string) error {
		enqueues++
		return nil
	})
	body := validDelivery()
	signature := signBody(body)

	resp := postWebhook(t, app, body, signature)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp = postWebhook(t, app, body, signature)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	assert.Equal(t, true, payload["duplicate"])

	assert.Len(t, repo.byEventID, 1)
	assert.Equal(t, 2, enqueues, "redelivery re-enqueues the drain; it is a no-op when nothing is pending")
}

func TestHandlePaymentWebhook_MalformedPayload(t *testing.T) {
	app, _ := newWebhookTestApp(t, nil)

	for _, body := range [][]byte{
		[]byte(`{not json`),
		[]byte(`{"id":"evt_1","type":"subscription.created","data":{"customer_id":"cus_1"}}`),
		[]byte(`{"id":"evt_1","type":"subscription.created","occurred_at":1735689600,"data":{}}`),
	} {
		resp := postWebhook(t, app, body, signBody(body))
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestHandlePaymentWebhook_UnknownTypeAcknowledged(t *testing.T) {
	enqueues := 0
	app, repo := newWebhookTestApp(t, func(string) error {
		enqueues++
		return nil
	})
	body := []byte(`{
		"id": "evt_unknown",
		"type": "charge.captured",
		"occurred_at": 1735689600,
		"data": {"customer_id": "cus_1"}
	}`)

	resp := postWebhook(t, app, body, signBody(body))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	assert.Equal(t, true, payload["ignored"])

	stored := repo.byEventID["evt_unknown"]
	require.NotNil(t, stored)
	assert.Equal(t, models.EventStatusDiscarded, stored.Status)
	assert.Equal(t, 0, enqueues, "discarded events do not reconcile")
}

func TestHandlePaymentWebhook_UnknownTypeWithoutCustomerAcknowledged(t *testing.T) {
	app, repo := newWebhookTestApp(t, nil)
	body := []byte(`{
		"id": "evt_charge_2",
		"type": "charge.captured",
		"occurred_at": 1735689600,
		"data": {"amount": 4200}
	}`)

	resp := postWebhook(t, app, body, signBody(body))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "unknown types are never rejected")
	payload := decodeBody(t, resp)
	assert.Equal(t, true, payload["ignored"])

	stored := repo.byEventID["evt_charge_2"]
	require.NotNil(t, stored)
	assert.Equal(t, models.EventStatusDiscarded, stored.Status)
	assert.Empty(t, stored.CustomerID)
}

func TestHandlePaymentWebhook_EnqueueFailureRecoversViaRedelivery(t *testing.T) {
	attempts := 0
	app, repo := newWebhookTestApp(t, func(string) error {
		attempts++
		if attempts == 1 {
			return assert.AnError
		}
		return nil
	})
	body := validDelivery()
	signature := signBody(body)

	// The event is durable but no reconcile job exists; answer 5xx so the
	// provider redelivers.
	resp := postWebhook(t, app, body, signature)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	require.NotNil(t, repo.byEventID["evt_test_1"], "failed enqueue must not roll back the stored event")

	// The redelivery dedupes on the stored row and enqueues the drain.
	resp = postWebhook(t, app, body, signature)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	assert.Equal(t, true, payload["duplicate"])
	assert.Equal(t, 2, attempts)
	assert.Len(t, repo.byEventID, 1)
}
