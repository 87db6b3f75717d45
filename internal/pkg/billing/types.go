package billing

import "time"

// EventInput is the normalized, provider-agnostic shape of an inbound payment
// event after envelope parsing and PII redaction. PayloadJSON holds the
// redacted data object exactly as it will be persisted. CustomerID may be
// empty for event types the reconciler does not handle; those are stored as
// discarded without ever being keyed to a subscription.
type EventInput struct {
	EventID        string    `validate:"required"`
	EventType      string    `validate:"required"`
	CustomerID     string
	OccurredAt     time.Time `validate:"required"`
	PayloadJSON    string
	SignatureValid bool
}

// EventData carries the subscription fields embedded in an event payload. The
// reconciler re-parses the stored payload into this shape when applying a
// state transition.
type EventData struct {
	CustomerID         string
	Tier               string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// IngestResult reports the outcome of one webhook delivery.
type IngestResult struct {
	Created   bool
	Duplicate bool
	Discarded bool
	EventID   string
	StoredID  uint
}
