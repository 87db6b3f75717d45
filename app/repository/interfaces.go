package repository

import (
	"errors"
	"time"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"gorm.io/gorm"
)

// ErrVersionConflict is returned when a versioned subscription update matched
// no row because a concurrent writer bumped the version first.
var ErrVersionConflict = errors.New("subscription version conflict")

// ErrLimitReached is returned when a conditional usage increment would exceed
// the ceiling. It is a business outcome, not an infrastructure failure.
var ErrLimitReached = errors.New("usage limit reached")

// EventRepository defines the database operations for the payment event store.
type EventRepository interface {
	CreateIfNotExists(event *models.PaymentEvent) (bool, *models.PaymentEvent, error)
	GetByEventID(eventID string) (*models.PaymentEvent, error)
	ListPendingByCustomer(customerID string) ([]models.PaymentEvent, error)
	ListFailed(limit int) ([]models.PaymentEvent, error)
	MarkProcessed(id uint) error
	MarkFailed(id uint, processingError string) error
	MarkDiscarded(id uint) error
	CountByStatus(status string) (int64, error)
}

// SubscriptionRepository defines the database operations for the per-customer
// subscription record.
type SubscriptionRepository interface {
	GetByCustomerID(customerID string) (*models.Subscription, error)
	CreateIfNotExists(sub *models.Subscription) (bool, *models.Subscription, error)
	UpdateVersioned(sub *models.Subscription, expectedVersion uint64) error
}

// UsageRepository defines the database operations for per-period usage
// counters. IncrementWithCeiling must be a single conditional UPDATE so the
// admit/deny decision is atomic at the storage layer.
type UsageRepository interface {
	GetOrCreateCounter(customerID, metric string, periodStart, periodEnd time.Time) (*models.UsageCounter, error)
	IncrementWithCeiling(customerID, metric string, periodStart time.Time, ceiling int64) (int64, error)
	Increment(customerID, metric string, periodStart time.Time) (int64, error)
	GetCount(customerID, metric string, periodStart time.Time) (int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Event        EventRepository
	Subscription SubscriptionRepository
	Usage        UsageRepository
}

// NewRepositories creates all repositories backed by the given GORM handle.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Event:        NewEventRepository(db),
		Subscription: NewSubscriptionRepository(db),
		Usage:        NewUsageRepository(db),
	}
}
