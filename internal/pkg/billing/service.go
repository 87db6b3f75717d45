package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"github.com/FitnessMealPlanner/entitlements/app/repository"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/metrics/counter"
	"gorm.io/gorm"
)

const (
	storeRetryAttempts = 3
	storeRetryBaseWait = 100 * time.Millisecond
)

// Service ingests payment-provider webhook deliveries into the durable event
// store. It only records events; applying them to subscription state is the
// reconciler's job, keeping "received" strictly separated from "applied".
type Service struct {
	events repository.EventRepository
}

// NewService creates an ingestion service from an injected event repository.
func NewService(events repository.EventRepository) *Service {
	return &Service{events: events}
}

// NewServiceFromDB creates an ingestion service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(repository.NewEventRepository(db))
}

// RecordEvent persists a delivery idempotently, keyed by the provider event
// id. Deliveries without an id fall back to a payload hash so replayed bodies
// still deduplicate. Unknown event types are stored as discarded and
// acknowledged, never rejected, to avoid provider retry storms. Transient
// store failures are retried with backoff before the error is surfaced (the
// provider redelivers, which idempotent keying makes safe).
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (*IngestResult, error) {
	eventID := in.EventID
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	status := models.EventStatusPending
	known := models.KnownEventType(in.EventType)
	if !known {
		status = models.EventStatusDiscarded
	}

	event := &models.PaymentEvent{
		EventID:        eventID,
		EventType:      in.EventType,
		CustomerID:     in.CustomerID,
		OccurredAt:     in.OccurredAt,
		ReceivedAt:     time.Now().UTC(),
		PayloadJSON:    in.PayloadJSON,
		SignatureValid: in.SignatureValid,
		Status:         status,
	}

	var created bool
	var stored *models.PaymentEvent
	var err error
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		created, stored, err = s.events.CreateIfNotExists(event)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wait := storeRetryBaseWait << attempt
		log.Warnf("[Billing] event store insert failed (attempt %d/%d): %v", attempt+1, storeRetryAttempts, err)
		time.Sleep(wait)
	}
	if err != nil {
		return nil, err
	}

	if !created {
		counter.AddDuplicate()
		return &IngestResult{Duplicate: true, EventID: eventID, StoredID: stored.ID}, nil
	}

	counter.AddIngested()
	if !known {
		counter.AddDiscarded()
		return &IngestResult{Created: true, Discarded: true, EventID: eventID, StoredID: stored.ID}, nil
	}
	return &IngestResult{Created: true, EventID: eventID, StoredID: stored.ID}, nil
}

// ErrEventSettled is returned when an operator tries to discard an event that
// already reached processed or discarded.
var ErrEventSettled = errors.New("event already settled")

// ListFailedEvents exposes dead-letter visibility into events that exhausted
// reconciliation retries.
func (s *Service) ListFailedEvents(ctx context.Context, limit int) ([]models.PaymentEvent, error) {
	_ = ctx
	return s.events.ListFailed(limit)
}

// GetEvent looks up a stored event by its provider event id.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*models.PaymentEvent, error) {
	_ = ctx
	return s.events.GetByEventID(eventID)
}

// DiscardEvent retires a pending or dead-lettered event by operator decision,
// removing it from reconciliation without applying it. Settled events are
// left alone.
func (s *Service) DiscardEvent(ctx context.Context, eventID string) (*models.PaymentEvent, error) {
	_ = ctx
	event, err := s.events.GetByEventID(eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == models.EventStatusProcessed || event.Status == models.EventStatusDiscarded {
		return nil, ErrEventSettled
	}
	if err := s.events.MarkDiscarded(event.ID); err != nil {
		return nil, err
	}
	counter.AddDiscarded()
	log.Infof("[Billing] Event %s discarded by operator", eventID)
	return s.events.GetByEventID(eventID)
}

// EventCounts returns per-status totals for the operator surface.
func (s *Service) EventCounts(ctx context.Context) (map[string]int64, error) {
	_ = ctx
	out := make(map[string]int64, 4)
	for _, status := range []string{
		models.EventStatusPending,
		models.EventStatusProcessed,
		models.EventStatusFailed,
		models.EventStatusDiscarded,
	} {
		n, err := s.events.CountByStatus(status)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		out[status] = n
	}
	return out, nil
}
