package models

import "time"

const (
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusUnpaid   = "unpaid"
	SubscriptionStatusCanceled = "canceled"
)

// ValidTier reports whether the tier is one of the known plans.
func ValidTier(tier string) bool {
	switch tier {
	case TierStarter, TierProfessional, TierEnterprise:
		return true
	default:
		return false
	}
}

// Subscription is the durable per-customer subscription record. There is at
// most one row per customer_id. It is mutated only by the event reconciler;
// canceled subscriptions remain as historical records and are never deleted.
//
// Version is the optimistic concurrency token: every state change goes
// through a guarded UPDATE on (customer_id, version). LastAppliedEventAt is
// the occurred_at of the last applied event; older events are stale and are
// discarded without effect.
type Subscription struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	CustomerID         string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscriptions_customer_id" json:"customer_id"`
	Tier               string     `gorm:"type:varchar(32);not null;default:'starter';index" json:"tier"`
	Status             string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	LastAppliedEventAt time.Time  `gorm:"type:timestamp;not null" json:"last_applied_event_at"`
	Version            uint64     `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
