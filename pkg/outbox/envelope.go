package outbox

import (
	"encoding/json"
	"time"
)

// Envelope is the stable payload structure written to outbox_events and
// published to the broker. Consumers key their idempotency checks off
// IdempotencyKey, never off broker message IDs.
type Envelope struct {
	SchemaVersion  int             `json:"schemaVersion"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	AggregateType  string          `json:"aggregateType"`
	AggregateID    string          `json:"aggregateId"`
	PartitionKey   string          `json:"partitionKey"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Data           json.RawMessage `json:"data"`
}

// Attribute keys attached to every published message so consumers can route
// and dedup without decoding the payload.
const (
	AttrEventID        = "event_id"
	AttrEventType      = "event_type"
	AttrAggregateType  = "aggregate_type"
	AttrAggregateID    = "aggregate_id"
	AttrIdempotencyKey = "idempotency_key"
	AttrCorrelationID  = "correlation_id"
	AttrOccurredAt     = "occurred_at"
)

// Attributes returns the broker message attributes for the envelope.
func (e Envelope) Attributes() map[string]string {
	attrs := map[string]string{
		AttrEventID:        e.EventID,
		AttrEventType:      e.EventType,
		AttrAggregateType:  e.AggregateType,
		AttrAggregateID:    e.AggregateID,
		AttrIdempotencyKey: e.IdempotencyKey,
		AttrOccurredAt:     e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.CorrelationID != "" {
		attrs[AttrCorrelationID] = e.CorrelationID
	}
	return attrs
}

// DecodeEnvelope parses a published payload back into an Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
