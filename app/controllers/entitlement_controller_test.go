package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/app/repository"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/entitlements"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/usage"
)

type stubResolver struct {
	snap entitlements.Snapshot
	err  error
}

func (s stubResolver) Resolve(string) (entitlements.Snapshot, error) { return s.snap, s.err }

type stubUsageRepo struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newStubUsageRepo() *stubUsageRepo {
	return &stubUsageRepo{counts: map[string]int64{}}
}

func (r *stubUsageRepo) key(customerID, metric string) string { return customerID + "|" + metric }

func (r *stubUsageRepo) GetOrCreateCounter(customerID, metric string, periodStart, periodEnd time.Time) (*models.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &models.UsageCounter{CustomerID: customerID, Metric: metric, Count: r.counts[r.key(customerID, metric)]}, nil
}

func (r *stubUsageRepo) IncrementWithCeiling(customerID, metric string, _ time.Time, ceiling int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	k := r.key(customerID, metric)
	if r.counts[k] >= ceiling {
		return r.counts[k], repository.ErrLimitReached
	}
	r.counts[k]++
	return r.counts[k], nil
}

func (r *stubUsageRepo) Increment(customerID, metric string, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[r.key(customerID, metric)]++
	return r.counts[r.key(customerID, metric)], nil
}

func (r *stubUsageRepo) GetCount(customerID, metric string, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[r.key(customerID, metric)], nil
}

func professionalSnapshot() entitlements.Snapshot {
	return entitlements.Resolve("cus_1", models.TierProfessional, models.SubscriptionStatusActive, time.Now().UTC())
}

func newEntitlementTestApp(resolver usage.SnapshotResolver, usageRepo repository.UsageRepository, eventRepo repository.EventRepository) *fiber.App {
	if eventRepo == nil {
		eventRepo = newStubEventRepo()
	}
	InitializeEntitlementController(resolver, usage.NewGate(usageRepo, resolver), billing.NewService(eventRepo))

	app := fiber.New()
	app.Get("/api/v1/entitlements/:customerId", HandleGetEntitlements)
	app.Post("/api/v1/usage/check", HandleUsageCheck)
	app.Get("/api/v1/usage/:customerId/:metric", HandleGetUsage)
	app.Get("/api/v1/events/failed", HandleListFailedEvents)
	app.Get("/api/v1/events/stats", HandlePipelineStats)
	app.Get("/api/v1/events/:eventId", HandleGetEvent)
	app.Post("/api/v1/events/:eventId/discard", HandleDiscardEvent)
	return app
}

func TestHandleGetEntitlements(t *testing.T) {
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, newStubUsageRepo(), nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/cus_1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var snap entitlements.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, models.TierProfessional, snap.Tier)
	assert.Equal(t, int64(500), snap.Limits[models.MetricGenerations])
	assert.True(t, snap.Features[entitlements.FeatureBulkGeneration])
}

func TestHandleGetEntitlements_ResolverError(t *testing.T) {
	app := newEntitlementTestApp(stubResolver{err: errors.New("db down")}, newStubUsageRepo(), nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/cus_1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func postUsageCheck(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/check", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestHandleUsageCheck_AdmitsAndDenies(t *testing.T) {
	usageRepo := newStubUsageRepo()
	usageRepo.counts["cus_1|"+models.MetricGenerations] = 499
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, usageRepo, nil)
	body := `{"customer_id":"cus_1","metric":"generations"}`

	resp := postUsageCheck(t, app, body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var result usage.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(500), result.CurrentUsage)

	// The counter sits at the ceiling now; the next check is denied.
	resp = postUsageCheck(t, app, body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(500), result.CurrentUsage)
	assert.Equal(t, int64(500), result.Limit)
}

func TestHandleUsageCheck_BadRequest(t *testing.T) {
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, newStubUsageRepo(), nil)

	for _, body := range []string{
		`{not json`,
		`{"metric":"generations"}`,
		`{"customer_id":"cus_1"}`,
	} {
		resp := postUsageCheck(t, app, body)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestHandleUsageCheck_StoreOutage(t *testing.T) {
	usageRepo := newStubUsageRepo()
	usageRepo.err = errors.New("connection refused")
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, usageRepo, nil)

	resp := postUsageCheck(t, app, `{"customer_id":"cus_1","metric":"generations"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleGetUsage_PeeksWithoutConsuming(t *testing.T) {
	usageRepo := newStubUsageRepo()
	usageRepo.counts["cus_1|"+models.MetricGenerations] = 7
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, usageRepo, nil)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/usage/cus_1/generations", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		var result usage.Result
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(7), result.CurrentUsage, "reading usage must not consume a unit")
		assert.Equal(t, int64(500), result.Limit)
	}
}

func TestHandleGetEvent(t *testing.T) {
	eventRepo := newStubEventRepo()
	eventRepo.byEventID["evt_1"] = &models.PaymentEvent{
		ID:         1,
		EventID:    "evt_1",
		EventType:  models.EventTypeInvoicePaid,
		CustomerID: "cus_1",
		Status:     models.EventStatusProcessed,
	}
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, newStubUsageRepo(), eventRepo)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/events/evt_1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var event models.PaymentEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&event))
	assert.Equal(t, "evt_1", event.EventID)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/events/evt_missing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleDiscardEvent(t *testing.T) {
	eventRepo := newStubEventRepo()
	eventRepo.byEventID["evt_dead"] = &models.PaymentEvent{
		ID:         1,
		EventID:    "evt_dead",
		EventType:  models.EventTypeSubscriptionUpdated,
		CustomerID: "cus_1",
		Status:     models.EventStatusFailed,
	}
	eventRepo.byEventID["evt_done"] = &models.PaymentEvent{
		ID:         2,
		EventID:    "evt_done",
		EventType:  models.EventTypeInvoicePaid,
		CustomerID: "cus_1",
		Status:     models.EventStatusProcessed,
	}
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, newStubUsageRepo(), eventRepo)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/evt_dead/discard", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.EventStatusDiscarded, eventRepo.byEventID["evt_dead"].Status)

	// Already-applied events must stay applied.
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/evt_done/discard", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, models.EventStatusProcessed, eventRepo.byEventID["evt_done"].Status)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/evt_missing/discard", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandlePipelineStats(t *testing.T) {
	eventRepo := newStubEventRepo()
	eventRepo.byEventID["evt_1"] = &models.PaymentEvent{ID: 1, EventID: "evt_1", Status: models.EventStatusProcessed}
	eventRepo.byEventID["evt_2"] = &models.PaymentEvent{ID: 2, EventID: "evt_2", Status: models.EventStatusFailed}
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, newStubUsageRepo(), eventRepo)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/events/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload struct {
		Statuses map[string]int64 `json:"statuses"`
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, int64(1), payload.Statuses[models.EventStatusProcessed])
	assert.Equal(t, int64(1), payload.Statuses[models.EventStatusFailed])
}

func TestHandleListFailedEvents(t *testing.T) {
	eventRepo := newStubEventRepo()
	eventRepo.byEventID["evt_dead"] = &models.PaymentEvent{
		ID:              1,
		EventID:         "evt_dead",
		EventType:       models.EventTypeSubscriptionUpdated,
		CustomerID:      "cus_1",
		Status:          models.EventStatusFailed,
		ProcessingError: "version conflict retries exhausted",
	}
	app := newEntitlementTestApp(stubResolver{snap: professionalSnapshot()}, newStubUsageRepo(), eventRepo)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/events/failed", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
