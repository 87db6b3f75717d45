package models

import "time"

// Payment event types delivered by the provider. Unknown types are stored
// as discarded and acknowledged so the provider does not retry them.
const (
	EventTypeSubscriptionCreated = "subscription.created"
	EventTypeSubscriptionUpdated = "subscription.updated"
	EventTypeSubscriptionDeleted = "subscription.deleted"
	EventTypeInvoicePaid         = "invoice.paid"
	EventTypeInvoicePaymentFail  = "invoice.payment_failed"
	EventTypeDisputeCreated      = "dispute.created"
)

const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
	EventStatusDiscarded = "discarded"
)

// KnownEventType reports whether the reconciler has a transition for the type.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventTypeSubscriptionCreated,
		EventTypeSubscriptionUpdated,
		EventTypeSubscriptionDeleted,
		EventTypeInvoicePaid,
		EventTypeInvoicePaymentFail,
		EventTypeDisputeCreated:
		return true
	default:
		return false
	}
}

// PaymentEvent stores provider webhook payloads with deduplication metadata
// for idempotent processing. event_id is the provider-assigned idempotency
// key; re-delivery of the same id is a no-op on insert.
type PaymentEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	EventID         string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_payment_events_event_id" json:"event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	CustomerID      string     `gorm:"type:varchar(191);not null;index:idx_payment_events_customer_status,priority:1" json:"customer_id"`
	OccurredAt      time.Time  `gorm:"type:timestamp;not null;index" json:"occurred_at"`
	ReceivedAt      time.Time  `gorm:"type:timestamp;not null" json:"received_at"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false" json:"signature_valid"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_payment_events_customer_status,priority:2" json:"status"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event reached a final status. Terminal
// events are never re-evaluated.
func (e *PaymentEvent) IsTerminal() bool {
	switch e.Status {
	case EventStatusProcessed, EventStatusFailed, EventStatusDiscarded:
		return true
	default:
		return false
	}
}
