package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/FitnessMealPlanner/entitlements/app/models"
)

var ErrMalformedEnvelope = errors.New("malformed webhook envelope")

var envelopeValidator = validator.New()

// piiKeys lists payload fields that must never reach durable storage. The
// provider includes them for display purposes only; the pipeline keys
// everything off customer_id.
var piiKeys = []string{
	"customer_email",
	"customer_name",
	"email",
	"name",
	"phone",
	"address",
	"billing_address",
	"payment_method_details",
}

type envelope struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	OccurredAt int64                  `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// ParseEnvelope decodes a raw provider delivery into the normalized EventInput.
// The data object is PII-redacted before it is serialized for persistence.
func ParseEnvelope(raw []byte) (*EventInput, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Data == nil {
		env.Data = map[string]interface{}{}
	}

	customerID := ""
	if v, ok := env.Data["customer_id"].(string); ok {
		customerID = strings.TrimSpace(v)
	}

	for _, key := range piiKeys {
		delete(env.Data, key)
	}
	redacted, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	in := &EventInput{
		EventID:     strings.TrimSpace(env.ID),
		EventType:   strings.TrimSpace(env.Type),
		CustomerID:  customerID,
		OccurredAt:  time.Unix(env.OccurredAt, 0).UTC(),
		PayloadJSON: string(redacted),
	}
	if env.OccurredAt <= 0 {
		return nil, fmt.Errorf("%w: missing occurred_at", ErrMalformedEnvelope)
	}
	if err := envelopeValidator.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	// customer_id is mandatory only for types the reconciler applies. Unknown
	// types (charge events and the like) routinely lack it; they get stored as
	// discarded and acknowledged so the provider does not retry them.
	if in.CustomerID == "" && models.KnownEventType(in.EventType) {
		return nil, fmt.Errorf("%w: missing customer_id", ErrMalformedEnvelope)
	}
	return in, nil
}

// ParseEventData decodes a stored (redacted) payload back into the
// subscription fields the reconciler applies.
func ParseEventData(payloadJSON string) (*EventData, error) {
	var raw struct {
		CustomerID         string `json:"customer_id"`
		Tier               string `json:"tier"`
		Status             string `json:"status"`
		CurrentPeriodStart int64  `json:"current_period_start"`
		CurrentPeriodEnd   int64  `json:"current_period_end"`
		CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &raw); err != nil {
		return nil, fmt.Errorf("parse event payload: %w", err)
	}

	data := &EventData{
		CustomerID:        strings.TrimSpace(raw.CustomerID),
		Tier:              strings.ToLower(strings.TrimSpace(raw.Tier)),
		Status:            strings.ToLower(strings.TrimSpace(raw.Status)),
		CancelAtPeriodEnd: raw.CancelAtPeriodEnd,
	}
	if raw.CurrentPeriodStart > 0 {
		t := time.Unix(raw.CurrentPeriodStart, 0).UTC()
		data.CurrentPeriodStart = &t
	}
	if raw.CurrentPeriodEnd > 0 {
		t := time.Unix(raw.CurrentPeriodEnd, 0).UTC()
		data.CurrentPeriodEnd = &t
	}
	return data, nil
}
