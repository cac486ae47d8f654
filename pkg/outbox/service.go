package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/jmcastellano/outpost-backend/pkg/db"
	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	"github.com/jmcastellano/outpost-backend/pkg/enums"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
)

const envelopeSchemaVersion = 1

// DomainEvent is what producers hand to Emit. PartitionKey and
// IdempotencyKey are optional: the partition key defaults to
// aggregateType:aggregateID so every event for one aggregate shares an
// ordering lane, and the idempotency key defaults to the generated event id
// so downstream consumers can correlate the two.
type DomainEvent struct {
	EventType      string
	AggregateType  string
	AggregateID    string
	PartitionKey   string
	IdempotencyKey string
	CorrelationID  string
	Data           any
	OccurredAt     time.Time
}

// Service appends events to the outbox inside producer transactions.
type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit validates the event, encodes its envelope, and inserts the row inside
// the caller's transaction. An idempotency key collision surfaces as a
// duplicate-event error and leaves the original row untouched.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (*models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "encoding event data")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.PartitionKey == "" {
		event.PartitionKey = event.AggregateType + ":" + event.AggregateID
	}

	id := uuid.New()
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = id.String()
	}
	envelope := Envelope{
		SchemaVersion:  envelopeSchemaVersion,
		EventID:        id.String(),
		EventType:      event.EventType,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		PartitionKey:   event.PartitionKey,
		IdempotencyKey: event.IdempotencyKey,
		CorrelationID:  event.CorrelationID,
		OccurredAt:     event.OccurredAt,
		Data:           data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	row := models.OutboxEvent{
		ID:             id,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(payload),
		PartitionKey:   event.PartitionKey,
		IdempotencyKey: event.IdempotencyKey,
		State:          enums.OutboxStatePending,
		NextAttemptAt:  event.OccurredAt,
	}
	if event.CorrelationID != "" {
		correlationID := event.CorrelationID
		row.CorrelationID = &correlationID
	}

	if err := s.repo.InsertTx(tx, &row); err != nil {
		if dbpkg.IsUniqueViolation(err, "idx_outbox_events_idempotency_key") {
			return nil, apperrors.Wrap(apperrors.CodeDuplicateEvent, err, "idempotency key already recorded")
		}
		return nil, err
	}

	if s.logg != nil {
		fields := map[string]any{
			"event_id":       row.ID.String(),
			"event_type":     event.EventType,
			"aggregate_id":   event.AggregateID,
			"aggregate_type": event.AggregateType,
			"partition_key":  event.PartitionKey,
		}
		logCtx := s.logg.WithFields(ctx, fields)
		s.logg.Info(logCtx, "outbox event queued")
	}
	return &row, nil
}

func validateEvent(event DomainEvent) error {
	var missing []string
	if strings.TrimSpace(event.EventType) == "" {
		missing = append(missing, "eventType")
	}
	if strings.TrimSpace(event.AggregateType) == "" {
		missing = append(missing, "aggregateType")
	}
	if strings.TrimSpace(event.AggregateID) == "" {
		missing = append(missing, "aggregateId")
	}
	if len(missing) > 0 {
		return apperrors.New(apperrors.CodeValidation, "missing required event fields").
			WithDetails(map[string]any{"fields": missing})
	}
	return nil
}
