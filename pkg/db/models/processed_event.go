package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent records an idempotency key a consumer has already handled.
// The (consumer, idempotency_key) pair is unique so concurrent deliveries of
// the same event collapse into a single successful insert.
type ProcessedEvent struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Consumer       string    `gorm:"column:consumer;not null;uniqueIndex:idx_processed_events_consumer_key"`
	IdempotencyKey string    `gorm:"column:idempotency_key;not null;uniqueIndex:idx_processed_events_consumer_key"`
	EventID        uuid.UUID `gorm:"column:event_id;type:uuid;not null"`
	ProcessedAt    time.Time `gorm:"column:processed_at;autoCreateTime;index:idx_processed_events_processed_at"`
}

// TableName pins the table name regardless of GORM pluralization rules.
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
