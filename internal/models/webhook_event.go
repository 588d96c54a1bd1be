package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent journals provider deliveries so replays are acknowledged
// without being reprocessed.
type WebhookEvent struct {
	ID              uint           `gorm:"primaryKey"`
	Provider        string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_webhook_provider_event,priority:1"`
	EventID         string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_provider_event,priority:2"`
	EventType       string         `gorm:"type:varchar(100);not null"`
	Payload         datatypes.JSON `gorm:"not null"`
	ProcessedAt     *time.Time
	ProcessingError string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
