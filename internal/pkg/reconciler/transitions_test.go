package reconciler

import (
	"testing"
	"time"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
)

func activeSub(tier string, lastApplied time.Time) *models.Subscription {
	return &models.Subscription{
		CustomerID:         "cus_1",
		Tier:               tier,
		Status:             models.SubscriptionStatusActive,
		LastAppliedEventAt: lastApplied,
	}
}

func TestApplyEvent_SubscriptionUpdatedChangesTierAndStatus(t *testing.T) {
	sub := activeSub(models.TierStarter, time.Unix(100, 0).UTC())
	at := time.Unix(200, 0).UTC()

	changed, err := applyEvent(sub, models.EventTypeSubscriptionUpdated, at, &billing.EventData{
		Tier:   models.TierProfessional,
		Status: models.SubscriptionStatusActive,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if sub.Tier != models.TierProfessional {
		t.Fatalf("tier = %q, want professional", sub.Tier)
	}
	if !sub.LastAppliedEventAt.Equal(at) {
		t.Fatalf("watermark = %v, want %v", sub.LastAppliedEventAt, at)
	}
}

func TestApplyEvent_InvalidTierIgnored(t *testing.T) {
	sub := activeSub(models.TierStarter, time.Unix(100, 0).UTC())

	_, err := applyEvent(sub, models.EventTypeSubscriptionUpdated, time.Unix(200, 0).UTC(), &billing.EventData{
		Tier: "platinum",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Tier != models.TierStarter {
		t.Fatalf("invalid tier must not be applied, got %q", sub.Tier)
	}
}

func TestApplyEvent_DeletedCancelsAndKeepsTier(t *testing.T) {
	sub := activeSub(models.TierProfessional, time.Unix(100, 0).UTC())

	changed, err := applyEvent(sub, models.EventTypeSubscriptionDeleted, time.Unix(200, 0).UTC(), &billing.EventData{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if sub.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("status = %q, want canceled", sub.Status)
	}
	if sub.Tier != models.TierProfessional {
		t.Fatalf("deletion must not clear the tier, got %q", sub.Tier)
	}
}

func TestApplyEvent_InvoiceLifecycle(t *testing.T) {
	sub := activeSub(models.TierStarter, time.Unix(100, 0).UTC())

	if _, err := applyEvent(sub, models.EventTypeInvoicePaymentFail, time.Unix(200, 0).UTC(), &billing.EventData{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Status != models.SubscriptionStatusPastDue {
		t.Fatalf("status after payment failure = %q, want past_due", sub.Status)
	}

	start := time.Unix(300, 0).UTC()
	end := time.Unix(400, 0).UTC()
	if _, err := applyEvent(sub, models.EventTypeInvoicePaid, time.Unix(300, 0).UTC(), &billing.EventData{
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("status after invoice.paid = %q, want active", sub.Status)
	}
	if sub.CurrentPeriodStart == nil || !sub.CurrentPeriodStart.Equal(start) {
		t.Fatalf("period start not carried over")
	}
}

func TestApplyEvent_DisputeMarksUnpaid(t *testing.T) {
	sub := activeSub(models.TierEnterprise, time.Unix(100, 0).UTC())

	if _, err := applyEvent(sub, models.EventTypeDisputeCreated, time.Unix(200, 0).UTC(), &billing.EventData{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Status != models.SubscriptionStatusUnpaid {
		t.Fatalf("status = %q, want unpaid", sub.Status)
	}
}

func TestApplyEvent_WatermarkAdvancesOnNoop(t *testing.T) {
	sub := activeSub(models.TierStarter, time.Unix(100, 0).UTC())
	at := time.Unix(200, 0).UTC()

	// Same status as current state; only the watermark moves.
	changed, err := applyEvent(sub, models.EventTypeInvoicePaid, at, &billing.EventData{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatalf("watermark advance should count as a change")
	}
	if !sub.LastAppliedEventAt.Equal(at) {
		t.Fatalf("watermark = %v, want %v", sub.LastAppliedEventAt, at)
	}
}

func TestApplyEvent_UnknownTypeErrors(t *testing.T) {
	sub := activeSub(models.TierStarter, time.Unix(100, 0).UTC())
	if _, err := applyEvent(sub, "charge.captured", time.Unix(200, 0).UTC(), &billing.EventData{}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

func TestIsStale(t *testing.T) {
	sub := activeSub(models.TierStarter, time.Unix(200, 0).UTC())

	if !isStale(sub, time.Unix(199, 0).UTC()) {
		t.Fatalf("older event should be stale")
	}
	if isStale(sub, time.Unix(200, 0).UTC()) {
		t.Fatalf("equal timestamp should still apply")
	}
	if isStale(sub, time.Unix(201, 0).UTC()) {
		t.Fatalf("newer event should not be stale")
	}
}
