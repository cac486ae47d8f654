package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jmcastellano/outpost-backend/pkg/enums"
)

// OutboxEvent represents an append-only event recorded in the same
// transaction as the state change that produced it.
type OutboxEvent struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	AggregateType  string            `gorm:"column:aggregate_type;not null"`
	AggregateID    string            `gorm:"column:aggregate_id;not null"`
	EventType      string            `gorm:"column:event_type;not null"`
	Payload        json.RawMessage   `gorm:"column:payload;type:jsonb;not null"`
	PartitionKey   string            `gorm:"column:partition_key;not null"`
	IdempotencyKey string            `gorm:"column:idempotency_key;not null;uniqueIndex:idx_outbox_events_idempotency_key"`
	CorrelationID  *string           `gorm:"column:correlation_id"`
	State          enums.OutboxState `gorm:"column:state;not null;default:pending;index:idx_outbox_events_state_next_attempt"`
	RetryCount     int               `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt  time.Time         `gorm:"column:next_attempt_at;not null;index:idx_outbox_events_state_next_attempt"`
	ClaimedAt      *time.Time        `gorm:"column:claimed_at"`
	ClaimOwner     *uuid.UUID        `gorm:"column:claim_owner;type:uuid"`
	LastError      *string           `gorm:"column:last_error"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	PublishedAt    *time.Time        `gorm:"column:published_at"`
}

// TableName pins the table name regardless of GORM pluralization rules.
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
