package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/app/repository"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/metrics/counter"
)

// maxApplyAttempts bounds the optimistic reload-and-retry cycle for a single
// event before it is surfaced as failed for operator attention.
const maxApplyAttempts = 3

// Invalidator drops the cached entitlement snapshot for a customer after a
// state change.
type Invalidator interface {
	Invalidate(customerID string)
}

// Reconciler applies stored pending events to durable subscription state. The
// queue serializes calls per customer, so the optimistic version token only
// trips on writers outside this pipeline.
type Reconciler struct {
	events      repository.EventRepository
	subs        repository.SubscriptionRepository
	invalidator Invalidator
}

// NewReconciler creates a reconciler over the injected repositories.
func NewReconciler(events repository.EventRepository, subs repository.SubscriptionRepository, invalidator Invalidator) *Reconciler {
	return &Reconciler{events: events, subs: subs, invalidator: invalidator}
}

// ProcessCustomer drains the customer's pending events in occurred_at order.
// Stale events are marked processed-but-superseded; events that cannot be
// applied are marked failed and never silently dropped. Events arriving ahead
// of the customer's subscription.created stay pending until creation lands.
func (r *Reconciler) ProcessCustomer(ctx context.Context, customerID string) error {
	events, err := r.events.ListPendingByCustomer(customerID)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}

	failed := 0
	for i := range events {
		event := &events[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deferred, terminal, aerr := r.applyOne(event)
		if aerr != nil {
			// Infrastructure trouble; leave the event pending and let the
			// job retry with backoff.
			return aerr
		}
		if deferred {
			// Keep order: nothing later may apply before this one can.
			log.Infof("[Reconciler] Deferring event %s for customer %s (no subscription yet)", event.EventID, customerID)
			break
		}
		if terminal {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d event(s) for customer %s marked failed", failed, customerID)
	}
	return nil
}

// applyOne applies a single pending event. deferred means draining must stop
// with the event left pending; terminal means the event was dead-lettered;
// err reports transient infrastructure failures only.
func (r *Reconciler) applyOne(event *models.PaymentEvent) (deferred, terminal bool, err error) {
	data, perr := billing.ParseEventData(event.PayloadJSON)
	if perr != nil {
		// Poisoned payload; retrying cannot fix it.
		r.failEvent(event, perr)
		return false, true, nil
	}

	sub, err := r.subs.GetByCustomerID(event.CustomerID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, false, fmt.Errorf("load subscription: %w", err)
		}
		if event.EventType != models.EventTypeSubscriptionCreated {
			return true, false, nil
		}
		sub, err = r.createFromEvent(event, data)
		if err != nil {
			return false, false, fmt.Errorf("create subscription: %w", err)
		}
		counter.AddProcessed()
		r.invalidator.Invalidate(event.CustomerID)
		if merr := r.events.MarkProcessed(event.ID); merr != nil {
			return false, false, fmt.Errorf("mark processed: %w", merr)
		}
		return false, false, nil
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if isStale(sub, event.OccurredAt) {
			// Correctly evaluated, just superseded by newer applied state.
			counter.AddStale()
			log.Infof("[Reconciler] Discarding stale event %s (occurred %s, last applied %s)",
				event.EventID, event.OccurredAt.Format("2006-01-02T15:04:05Z"), sub.LastAppliedEventAt.Format("2006-01-02T15:04:05Z"))
			if merr := r.events.MarkProcessed(event.ID); merr != nil {
				return false, false, fmt.Errorf("mark processed: %w", merr)
			}
			return false, false, nil
		}

		next := *sub
		changed, terr := applyEvent(&next, event.EventType, event.OccurredAt, data)
		if terr != nil {
			r.failEvent(event, terr)
			return false, true, nil
		}
		if !changed {
			counter.AddProcessed()
			if merr := r.events.MarkProcessed(event.ID); merr != nil {
				return false, false, fmt.Errorf("mark processed: %w", merr)
			}
			return false, false, nil
		}

		uerr := r.subs.UpdateVersioned(&next, sub.Version)
		if uerr == nil {
			counter.AddProcessed()
			r.invalidator.Invalidate(event.CustomerID)
			if merr := r.events.MarkProcessed(event.ID); merr != nil {
				return false, false, fmt.Errorf("mark processed: %w", merr)
			}
			return false, false, nil
		}
		if !errors.Is(uerr, repository.ErrVersionConflict) {
			return false, false, fmt.Errorf("update subscription: %w", uerr)
		}

		// Concurrent writer bumped the version; reload and retry.
		sub, err = r.subs.GetByCustomerID(event.CustomerID)
		if err != nil {
			return false, false, fmt.Errorf("reload subscription: %w", err)
		}
	}

	r.failEvent(event, fmt.Errorf("version conflict retries exhausted for event %s", event.EventID))
	return false, true, nil
}

// createFromEvent materializes the subscription row on the customer's first
// subscription.created event.
func (r *Reconciler) createFromEvent(event *models.PaymentEvent, data *billing.EventData) (*models.Subscription, error) {
	tier := data.Tier
	if !models.ValidTier(tier) {
		tier = models.TierStarter
	}
	status := data.Status
	if status == "" {
		status = models.SubscriptionStatusActive
	}
	sub := &models.Subscription{
		CustomerID:         event.CustomerID,
		Tier:               tier,
		Status:             status,
		CurrentPeriodStart: data.CurrentPeriodStart,
		CurrentPeriodEnd:   data.CurrentPeriodEnd,
		CancelAtPeriodEnd:  data.CancelAtPeriodEnd,
		LastAppliedEventAt: event.OccurredAt,
	}
	_, stored, err := r.subs.CreateIfNotExists(sub)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *Reconciler) failEvent(event *models.PaymentEvent, cause error) {
	counter.AddFailed()
	log.Errorf("[Reconciler] Event %s failed: %v", event.EventID, cause)
	if merr := r.events.MarkFailed(event.ID, cause.Error()); merr != nil {
		log.Errorf("[Reconciler] Could not mark event %s failed: %v", event.EventID, merr)
	}
}
