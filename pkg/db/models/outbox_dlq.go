package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jmcastellano/outpost-backend/pkg/enums"
)

// OutboxDLQ captures terminal outbox failures for auditing and replay.
type OutboxDLQ struct {
	ID            uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	EventID       uuid.UUID                  `gorm:"column:event_id;type:uuid;not null;uniqueIndex:idx_outbox_dlq_event_id"`
	AggregateType string                     `gorm:"column:aggregate_type;not null"`
	AggregateID   string                     `gorm:"column:aggregate_id;not null"`
	EventType     string                     `gorm:"column:event_type;not null"`
	Payload       json.RawMessage            `gorm:"column:payload;type:jsonb;not null"`
	PartitionKey  string                     `gorm:"column:partition_key;not null"`
	ErrorReason   enums.OutboxDLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage  *string                    `gorm:"column:error_message"`
	AttemptCount  int                        `gorm:"column:attempt_count;not null;default:0"`
	FailedAt      time.Time                  `gorm:"column:failed_at;autoCreateTime"`
	ReplayedAt    *time.Time                 `gorm:"column:replayed_at"`
	CreatedAt     time.Time                  `gorm:"column:created_at;autoCreateTime"`
}

// TableName pins the table name regardless of GORM pluralization rules.
func (OutboxDLQ) TableName() string {
	return "outbox_dlq"
}
