package usage

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/app/repository"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/entitlements"
)

// SnapshotResolver resolves the entitlement snapshot the gate enforces
// against. Production wiring passes *entitlements.Resolver.
type SnapshotResolver interface {
	Resolve(customerID string) (entitlements.Snapshot, error)
}

// Result is the outcome of one metered-action check, returned to the caller
// verbatim. A denial is a business outcome, not an error.
type Result struct {
	Allowed      bool   `json:"allowed"`
	Metric       string `json:"metric"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
}

// Gate enforces usage quotas. The admit/deny decision rides on a single
// conditional UPDATE in the usage store, so concurrent requests at the
// ceiling can never double-admit.
//
// When the usage store is unreachable the gate fails closed: metered actions
// are denied rather than risking unmetered overuse. This is a deliberate
// policy, logged loudly so operators notice.
type Gate struct {
	usage    repository.UsageRepository
	resolver SnapshotResolver
	now      func() time.Time
}

// NewGate creates a usage gate over the given store and resolver.
func NewGate(usage repository.UsageRepository, resolver SnapshotResolver) *Gate {
	return &Gate{usage: usage, resolver: resolver, now: time.Now}
}

// CheckAndIncrement atomically tests and increments usage of a metric for the
// current period. Unlimited metrics always admit but still record usage for
// observability.
func (g *Gate) CheckAndIncrement(ctx context.Context, customerID, metric string) (Result, error) {
	_ = ctx
	snap, err := g.resolver.Resolve(customerID)
	if err != nil {
		log.Errorf("[UsageGate] entitlement resolution failed for %s: %v (failing closed)", customerID, err)
		return Result{Allowed: false, Metric: metric}, err
	}

	limit, metered := snap.Limit(metric)
	if !metered {
		// Metric unknown to the customer's plan: nothing to admit.
		return Result{Allowed: false, Metric: metric, Limit: 0}, nil
	}

	now := g.now()
	periodStart := models.CurrentPeriodStart(now)
	periodEnd := models.CurrentPeriodEnd(now)

	if _, err := g.usage.GetOrCreateCounter(customerID, metric, periodStart, periodEnd); err != nil {
		log.Errorf("[UsageGate] usage store unavailable for %s/%s: %v (failing closed)", customerID, metric, err)
		return Result{Allowed: false, Metric: metric, Limit: limit}, err
	}

	if limit == entitlements.Unlimited {
		count, err := g.usage.Increment(customerID, metric, periodStart)
		if err != nil {
			// Unlimited plans lose nothing by admitting on a broken counter.
			log.Errorf("[UsageGate] unbounded increment failed for %s/%s: %v", customerID, metric, err)
			return Result{Allowed: true, Metric: metric, Limit: limit}, nil
		}
		return Result{Allowed: true, Metric: metric, CurrentUsage: count, Limit: limit}, nil
	}

	if limit <= 0 {
		count, _ := g.usage.GetCount(customerID, metric, periodStart)
		return Result{Allowed: false, Metric: metric, CurrentUsage: count, Limit: limit}, nil
	}

	count, err := g.usage.IncrementWithCeiling(customerID, metric, periodStart, limit)
	if err != nil {
		if errors.Is(err, repository.ErrLimitReached) {
			return Result{Allowed: false, Metric: metric, CurrentUsage: count, Limit: limit}, nil
		}
		log.Errorf("[UsageGate] usage store unavailable for %s/%s: %v (failing closed)", customerID, metric, err)
		return Result{Allowed: false, Metric: metric, Limit: limit}, err
	}
	return Result{Allowed: true, Metric: metric, CurrentUsage: count, Limit: limit}, nil
}

// Peek returns the current usage without incrementing.
func (g *Gate) Peek(ctx context.Context, customerID, metric string) (Result, error) {
	_ = ctx
	snap, err := g.resolver.Resolve(customerID)
	if err != nil {
		return Result{Metric: metric}, err
	}
	limit, metered := snap.Limit(metric)
	if !metered {
		return Result{Metric: metric}, nil
	}
	count, err := g.usage.GetCount(customerID, metric, models.CurrentPeriodStart(g.now()))
	if err != nil {
		// Missing row just means no usage this period yet.
		count = 0
	}
	return Result{Allowed: limit == entitlements.Unlimited || count < limit, Metric: metric, CurrentUsage: count, Limit: limit}, nil
}
