package repository

import (
	"time"

	"github.com/FitnessMealPlanner/entitlements/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an event store repository backed by GORM.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

// CreateIfNotExists inserts the event keyed by event_id. A re-delivered
// event_id leaves the stored row untouched and returns created=false together
// with the original row.
func (r *eventRepository) CreateIfNotExists(event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentEvent
	if err := r.db.Where("event_id = ?", event.EventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *eventRepository) GetByEventID(eventID string) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := r.db.Where("event_id = ?", eventID).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// ListPendingByCustomer returns the customer's pending events in occurred_at
// order. The id tiebreaker keeps the ordering deterministic when a provider
// stamps two events with the same timestamp.
func (r *eventRepository) ListPendingByCustomer(customerID string) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	err := r.db.
		Where("customer_id = ? AND status = ?", customerID, models.EventStatusPending).
		Order("occurred_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (r *eventRepository) ListFailed(limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.PaymentEvent
	err := r.db.
		Where("status = ?", models.EventStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *eventRepository) MarkProcessed(id uint) error {
	now := time.Now()
	return r.db.Model(&models.PaymentEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":           models.EventStatusProcessed,
		"processed_at":     &now,
		"processing_error": "",
	}).Error
}

func (r *eventRepository) MarkFailed(id uint, processingError string) error {
	return r.db.Model(&models.PaymentEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":           models.EventStatusFailed,
		"processing_error": processingError,
	}).Error
}

func (r *eventRepository) MarkDiscarded(id uint) error {
	now := time.Now()
	return r.db.Model(&models.PaymentEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       models.EventStatusDiscarded,
		"processed_at": &now,
	}).Error
}

func (r *eventRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&models.PaymentEvent{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
