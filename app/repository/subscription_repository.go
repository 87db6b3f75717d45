package repository

import (
	"github.com/FitnessMealPlanner/entitlements/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a subscription repository backed by GORM.
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) GetByCustomerID(customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("customer_id = ?", customerID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateIfNotExists inserts the subscription row for a customer. A concurrent
// creator wins silently; the stored row is returned either way so the caller
// can continue through the versioned update path.
func (r *subscriptionRepository) CreateIfNotExists(sub *models.Subscription) (bool, *models.Subscription, error) {
	if sub.Version == 0 {
		sub.Version = 1
	}
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Subscription
	if err := r.db.Where("customer_id = ?", sub.CustomerID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// UpdateVersioned writes the subscription guarded by the optimistic version
// token. The UPDATE matches only if the stored version still equals
// expectedVersion; zero affected rows means a concurrent writer got there
// first and the caller must reload and retry.
func (r *subscriptionRepository) UpdateVersioned(sub *models.Subscription, expectedVersion uint64) error {
	tx := r.db.Model(&models.Subscription{}).
		Where("customer_id = ? AND version = ?", sub.CustomerID, expectedVersion).
		Updates(map[string]interface{}{
			"tier":                  sub.Tier,
			"status":                sub.Status,
			"current_period_start":  sub.CurrentPeriodStart,
			"current_period_end":    sub.CurrentPeriodEnd,
			"cancel_at_period_end":  sub.CancelAtPeriodEnd,
			"last_applied_event_at": sub.LastAppliedEventAt,
			"version":               gorm.Expr("version + 1"),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	return nil
}
