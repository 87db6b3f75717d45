package counter

import (
	"context"
	"strconv"

	"github.com/FitnessMealPlanner/entitlements/internal/pkg/cache"
)

const eventCountersKey = "entitlements:counters:events"

const (
	fieldIngested  = "ingested"
	fieldDuplicate = "duplicate"
	fieldDiscarded = "discarded"
	fieldProcessed = "processed"
	fieldStale     = "stale"
	fieldFailed    = "failed"
)

// AddIngested increments the counter for newly stored webhook events
func AddIngested() {
	incr(fieldIngested)
}

// AddDuplicate increments the counter for deduplicated redeliveries
func AddDuplicate() {
	incr(fieldDuplicate)
}

// AddDiscarded increments the counter for unknown-type events
func AddDiscarded() {
	incr(fieldDiscarded)
}

// AddProcessed increments the counter for successfully applied events
func AddProcessed() {
	incr(fieldProcessed)
}

// AddStale increments the counter for out-of-order events discarded as stale
func AddStale() {
	incr(fieldStale)
}

// AddFailed increments the counter for events that exhausted retries
func AddFailed() {
	incr(fieldFailed)
}

func incr(field string) {
	ctx := context.Background()
	// Best effort; counters are observability only.
	_ = cache.GetClient().HIncrBy(ctx, eventCountersKey, field, 1).Err()
}

// All returns the current counter values.
func All() (map[string]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, eventCountersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
