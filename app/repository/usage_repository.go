package repository

import (
	"time"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a usage counter repository backed by GORM.
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

// GetOrCreateCounter lazily creates the counter row for the period. Losing an
// insert race to a concurrent request is fine; both callers proceed against
// the same row.
func (r *usageRepository) GetOrCreateCounter(customerID, metric string, periodStart, periodEnd time.Time) (*models.UsageCounter, error) {
	counter := &models.UsageCounter{
		CustomerID:  customerID,
		Metric:      metric,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "customer_id"},
			{Name: "metric"},
			{Name: "period_start"},
		},
		DoNothing: true,
	}).Create(counter).Error; err != nil {
		return nil, err
	}

	var stored models.UsageCounter
	err := r.db.
		Where("customer_id = ? AND metric = ? AND period_start = ?", customerID, metric, periodStart).
		First(&stored).Error
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// IncrementWithCeiling performs the atomic test-and-increment. The conditional
// UPDATE admits the caller only while count < ceiling, so N concurrent
// requests at ceiling-1 remaining admit exactly one. Returns the count after
// the attempt and ErrLimitReached when the increment was refused.
func (r *usageRepository) IncrementWithCeiling(customerID, metric string, periodStart time.Time, ceiling int64) (int64, error) {
	tx := r.db.Model(&models.UsageCounter{}).
		Where("customer_id = ? AND metric = ? AND period_start = ? AND count < ?", customerID, metric, periodStart, ceiling).
		UpdateColumn("count", gorm.Expr("count + ?", 1))
	if tx.Error != nil {
		return 0, tx.Error
	}

	count, err := r.GetCount(customerID, metric, periodStart)
	if err != nil {
		return 0, err
	}
	if tx.RowsAffected == 0 {
		return count, ErrLimitReached
	}
	return count, nil
}

// Increment bumps the counter without a ceiling. Used for unlimited plans
// where usage is still recorded for observability.
func (r *usageRepository) Increment(customerID, metric string, periodStart time.Time) (int64, error) {
	tx := r.db.Model(&models.UsageCounter{}).
		Where("customer_id = ? AND metric = ? AND period_start = ?", customerID, metric, periodStart).
		UpdateColumn("count", gorm.Expr("count + ?", 1))
	if tx.Error != nil {
		return 0, tx.Error
	}
	return r.GetCount(customerID, metric, periodStart)
}

func (r *usageRepository) GetCount(customerID, metric string, periodStart time.Time) (int64, error) {
	var counter models.UsageCounter
	err := r.db.
		Where("customer_id = ? AND metric = ? AND period_start = ?", customerID, metric, periodStart).
		First(&counter).Error
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}
