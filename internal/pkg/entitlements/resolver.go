package entitlements

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/FitnessMealPlanner/entitlements/app/repository"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/cache"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/env"
)

const snapshotKeyPrefix = "entitlements:snapshot:"

// DefaultSnapshotTTL bounds how long a missed invalidation can serve a stale
// snapshot. Short on purpose; the cache is an optimization, not a source of
// truth.
const DefaultSnapshotTTL = 5 * time.Minute

// CacheStore is the minimal cache surface the resolver needs. The production
// implementation is Redis via internal/pkg/cache.
type CacheStore interface {
	Get(key string) (string, error)
	Set(key string, value string, ttl time.Duration) error
	Delete(key string) error
}

type redisCacheStore struct{}

func (redisCacheStore) Get(key string) (string, error) {
	return cache.Get(key)
}

func (redisCacheStore) Set(key string, value string, ttl time.Duration) error {
	return cache.Set(key, value, ttl)
}

func (redisCacheStore) Delete(key string) error {
	return cache.Delete(key)
}

// Resolver computes entitlement snapshots from subscription state and caches
// them with a bounded TTL. A cache outage degrades latency only; every miss
// or error falls back to a fresh computation from the subscription row.
type Resolver struct {
	subs  repository.SubscriptionRepository
	store CacheStore
	ttl   time.Duration
	now   func() time.Time
}

// NewResolver creates a resolver over the given subscription repository and
// cache store.
func NewResolver(subs repository.SubscriptionRepository, store CacheStore, ttl time.Duration) *Resolver {
	if store == nil {
		store = redisCacheStore{}
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Resolver{subs: subs, store: store, ttl: ttl, now: time.Now}
}

// NewResolverFromEnv creates a resolver with the Redis-backed store and the
// ENTITLEMENT_CACHE_TTL_SECONDS override applied.
func NewResolverFromEnv(subs repository.SubscriptionRepository) *Resolver {
	ttl := DefaultSnapshotTTL
	if raw := env.GetEnv("ENTITLEMENT_CACHE_TTL_SECONDS", ""); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	return NewResolver(subs, redisCacheStore{}, ttl)
}

// Resolve returns the snapshot for a customer, from cache when fresh.
func (r *Resolver) Resolve(customerID string) (Snapshot, error) {
	key := snapshotKeyPrefix + customerID

	if raw, err := r.store.Get(key); err == nil && raw != "" {
		var snap Snapshot
		if uerr := json.Unmarshal([]byte(raw), &snap); uerr == nil {
			return snap, nil
		}
		// Unreadable entry; drop it and recompute.
		_ = r.store.Delete(key)
	}

	snap, err := r.compute(customerID)
	if err != nil {
		return Snapshot{}, err
	}

	if raw, merr := json.Marshal(snap); merr == nil {
		if serr := r.store.Set(key, string(raw), r.ttl); serr != nil {
			log.Warnf("[Entitlements] cache set failed for %s: %v", customerID, serr)
		}
	}
	return snap, nil
}

// Invalidate deletes the cached snapshot so the next read recomputes lazily.
func (r *Resolver) Invalidate(customerID string) {
	if err := r.store.Delete(snapshotKeyPrefix + customerID); err != nil {
		log.Warnf("[Entitlements] cache invalidation failed for %s: %v", customerID, err)
	}
}

func (r *Resolver) compute(customerID string) (Snapshot, error) {
	sub, err := r.subs.GetByCustomerID(customerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No subscription on record: restricted baseline.
			return Resolve(customerID, "", "", r.now()), nil
		}
		return Snapshot{}, err
	}
	return Resolve(customerID, sub.Tier, sub.Status, r.now()), nil
}
