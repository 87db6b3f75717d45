package models

import "time"

// Metered usage metrics enforced by the usage gate.
const (
	MetricGenerations = "generations"
	MetricPDFExports  = "pdf_exports"
)

// UsageCounter is the durable per-customer, per-period usage row. Exactly one
// row exists per (customer_id, metric, period_start); count only increases
// within a period. A billing period rollover creates a new row instead of
// resetting the old one, so superseded rows stay around as history.
type UsageCounter struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CustomerID  string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_usage_counters_period,priority:1" json:"customer_id"`
	Metric      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_counters_period,priority:2" json:"metric"`
	PeriodStart time.Time `gorm:"type:timestamp;not null;uniqueIndex:ux_usage_counters_period,priority:3" json:"period_start"`
	PeriodEnd   time.Time `gorm:"type:timestamp;not null" json:"period_end"`
	Count       int64     `gorm:"not null;default:0" json:"count"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CurrentPeriodStart returns the canonical start of the usage period that
// contains now. Usage periods are calendar months in UTC; subscriptions may
// carry provider billing anchors, but metering buckets stay calendar-aligned
// so counters remain stable across subscription updates.
func CurrentPeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CurrentPeriodEnd returns the exclusive end of the period containing now.
func CurrentPeriodEnd(now time.Time) time.Time {
	return CurrentPeriodStart(now).AddDate(0, 1, 0)
}
