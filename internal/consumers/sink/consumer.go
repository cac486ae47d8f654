package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/metrics"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
)

// Handler processes one decoded event inside the marker transaction. A
// returned error rolls back the marker so redelivery retries the event.
type Handler func(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error

type dbClient interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type markerStore interface {
	MarkProcessedTx(tx *gorm.DB, consumer, idempotencyKey string, eventID uuid.UUID) (bool, error)
}

type deduplicator interface {
	ProcessOrSkip(key string) bool
	Forget(key string)
}

// Consumer drains the events subscription and applies each event at most
// once. A fast in-process dedup check filters obvious redeliveries; the
// processed_events insert is the durable guarantee.
type Consumer struct {
	name    string
	db      dbClient
	store   markerStore
	dedup   deduplicator
	handler Handler
	logg    *logger.Logger
	metrics *metrics.SinkMetrics
}

type ConsumerParams struct {
	Name    string
	DB      dbClient
	Store   markerStore
	Dedup   deduplicator
	Handler Handler
	Logger  *logger.Logger
	Metrics *metrics.SinkMetrics
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, errors.New("consumer name is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Store == nil {
		return nil, errors.New("marker store is required")
	}
	if params.Dedup == nil {
		return nil, errors.New("deduplicator is required")
	}
	if params.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		name:    strings.TrimSpace(params.Name),
		db:      params.DB,
		store:   params.Store,
		dedup:   params.Dedup,
		handler: params.Handler,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Run drains the subscription until ctx is canceled. Handled and duplicate
// messages ack; failures nack for redelivery.
func (c *Consumer) Run(ctx context.Context, sub subscriber) error {
	if sub == nil {
		return errors.New("subscriber is required")
	}
	return sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if err := c.Handle(msgCtx, msg.Data, msg.Attributes); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Handle applies one delivery. The idempotency key comes from the envelope,
// falling back to the message attributes for payloads the consumer cannot
// decode yet.
func (c *Consumer) Handle(ctx context.Context, data []byte, attributes map[string]string) error {
	envelope, err := outbox.DecodeEnvelope(data)
	if err != nil {
		// Undecodable deliveries would redeliver forever; log and drop.
		logCtx := c.logg.WithField(ctx, "error", err.Error())
		c.logg.Warn(logCtx, "dropping undecodable message")
		return nil
	}
	if envelope.IdempotencyKey == "" {
		envelope.IdempotencyKey = attributes[outbox.AttrIdempotencyKey]
	}
	if envelope.IdempotencyKey == "" {
		logCtx := c.logg.WithField(ctx, "event_id", envelope.EventID)
		c.logg.Warn(logCtx, "dropping message without idempotency key")
		return nil
	}

	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_id":        envelope.EventID,
		"event_type":      envelope.EventType,
		"idempotency_key": envelope.IdempotencyKey,
	})
	if envelope.CorrelationID != "" {
		logCtx = c.logg.WithCorrelationID(logCtx, envelope.CorrelationID)
	}

	if !c.dedup.ProcessOrSkip(envelope.IdempotencyKey) {
		c.metrics.IncDedupSkipped()
		c.logg.Info(logCtx, "duplicate delivery skipped")
		return nil
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "dropping message with invalid event id")
		return nil
	}

	handled := false
	err = c.db.WithTx(ctx, func(tx *gorm.DB) error {
		fresh, err := c.store.MarkProcessedTx(tx, c.name, envelope.IdempotencyKey, eventID)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if !fresh {
			c.metrics.IncDedupSkipped()
			c.logg.Info(logCtx, "event already processed")
			return nil
		}
		if err := c.handler(ctx, tx, envelope); err != nil {
			return fmt.Errorf("handle %s: %w", envelope.EventType, err)
		}
		handled = true
		c.logg.Info(logCtx, "event processed")
		return nil
	})
	if err != nil {
		// Allow the redelivery to retry promptly instead of waiting out
		// the dedup window.
		c.dedup.Forget(envelope.IdempotencyKey)
		c.metrics.IncFailed()
		c.logg.Error(logCtx, "event processing failed", err)
		return err
	}
	if handled {
		c.metrics.IncProcessed()
	}
	return nil
}
