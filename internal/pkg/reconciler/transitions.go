package reconciler

import (
	"fmt"
	"time"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
)

// applyEvent computes the next subscription state for one event. It mutates
// the passed copy and reports whether anything changed; the caller owns the
// versioned write. Events reaching this point are already known-type and
// non-stale.
func applyEvent(sub *models.Subscription, eventType string, occurredAt time.Time, data *billing.EventData) (bool, error) {
	changed := false

	setStatus := func(status string) {
		if sub.Status != status {
			sub.Status = status
			changed = true
		}
	}

	switch eventType {
	case models.EventTypeSubscriptionCreated, models.EventTypeSubscriptionUpdated:
		if data.Tier != "" && models.ValidTier(data.Tier) && sub.Tier != data.Tier {
			sub.Tier = data.Tier
			changed = true
		}
		if data.Status != "" {
			setStatus(data.Status)
		} else if eventType == models.EventTypeSubscriptionCreated && sub.Status == "" {
			setStatus(models.SubscriptionStatusActive)
		}
		if data.CurrentPeriodStart != nil {
			sub.CurrentPeriodStart = data.CurrentPeriodStart
			changed = true
		}
		if data.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = data.CurrentPeriodEnd
			changed = true
		}
		if sub.CancelAtPeriodEnd != data.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = data.CancelAtPeriodEnd
			changed = true
		}

	case models.EventTypeSubscriptionDeleted:
		// cancel_at_period_end is preserved as delivered history.
		setStatus(models.SubscriptionStatusCanceled)

	case models.EventTypeInvoicePaid:
		setStatus(models.SubscriptionStatusActive)
		if data.CurrentPeriodStart != nil {
			sub.CurrentPeriodStart = data.CurrentPeriodStart
			changed = true
		}
		if data.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = data.CurrentPeriodEnd
			changed = true
		}

	case models.EventTypeInvoicePaymentFail:
		setStatus(models.SubscriptionStatusPastDue)

	case models.EventTypeDisputeCreated:
		setStatus(models.SubscriptionStatusUnpaid)

	default:
		return false, fmt.Errorf("no transition for event type %q", eventType)
	}

	// The applied-timestamp watermark always moves forward, even when the
	// event changed nothing, so replays stay cheap to reject.
	if occurredAt.After(sub.LastAppliedEventAt) {
		sub.LastAppliedEventAt = occurredAt
		changed = true
	}
	return changed, nil
}

// isStale reports whether the event predates the last applied state. Equal
// timestamps are applied; only strictly older events are superseded.
func isStale(sub *models.Subscription, occurredAt time.Time) bool {
	return occurredAt.Before(sub.LastAppliedEventAt)
}
