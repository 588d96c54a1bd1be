package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sefazor/cutout-backend/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record journals a delivery and returns its row. processed is true when the
// same provider event was already handled successfully.
func (r *WebhookEventRepository) Record(ctx context.Context, provider, eventID, eventType string, payload []byte) (*models.WebhookEvent, bool, error) {
	event := &models.WebhookEvent{
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		Payload:   datatypes.JSON(payload),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event).Error
	if err != nil && !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}

	var stored models.WebhookEvent
	err = r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&stored).Error
	if err != nil {
		return nil, false, fmt.Errorf("load webhook event: %w", err)
	}
	return &stored, stored.ProcessedAt != nil, nil
}

// Finish marks a delivery as handled, or stores the failure so a provider
// retry processes it again.
func (r *WebhookEventRepository) Finish(ctx context.Context, id uint, processingErr error) error {
	updates := map[string]interface{}{}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
		updates["processed_at"] = nil
	} else {
		updates["processing_error"] = ""
		updates["processed_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
