package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/jmcastellano/outpost-backend/pkg/config"
	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	"github.com/jmcastellano/outpost-backend/pkg/enums"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/metrics"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultMaxRetries     = 3
	defaultParallelism    = 8
	defaultPublishTimeout = 15 * time.Second
	maxLoopBackoff        = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	ClaimBatch(ctx context.Context, owner uuid.UUID, limit int, now time.Time) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id, owner uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id, owner uuid.UUID, cause error, nextAttemptAt time.Time) error
	MarkDeadLetteredTx(tx *gorm.DB, id, owner uuid.UUID, cause error) error
	ReleaseClaims(ctx context.Context, owner uuid.UUID) (int64, error)
	Stats(ctx context.Context, now time.Time) (outbox.PendingStats, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry *models.OutboxDLQ) error
}

type publisher interface {
	Ping(context.Context) error
	Publish(ctx context.Context, topic string, msg *gcppubsub.Message) (string, error)
}

type topicResolver interface {
	TopicFor(eventType, aggregateType string) string
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         dbClient
	Repository outboxRepository
	DLQ        dlqRepository
	Publisher  publisher
	Topics     topicResolver
	Metrics    *metrics.RelayMetrics
}

type Service struct {
	cfg            *config.Config
	logg           *logger.Logger
	db             dbClient
	repo           outboxRepository
	dlq            dlqRepository
	pub            publisher
	topics         topicResolver
	metrics        *metrics.RelayMetrics
	owner          uuid.UUID
	backoff        outbox.Backoff
	batchSize      int
	maxRetries     int
	parallelism    int
	pollInterval   time.Duration
	publishTimeout time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQ == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if params.Topics == nil {
		return nil, errors.New("topic resolver is required")
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxRetries := params.Config.Outbox.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	parallelism := params.Config.Outbox.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	publishTimeout := params.Config.Outbox.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	return &Service{
		cfg:     params.Config,
		logg:    params.Logger,
		db:      params.DB,
		repo:    params.Repository,
		dlq:     params.DLQ,
		pub:     params.Publisher,
		topics:  params.Topics,
		metrics: params.Metrics,
		owner:   uuid.New(),
		backoff: outbox.Backoff{
			Base: params.Config.Outbox.BackoffBase,
			Max:  params.Config.Outbox.BackoffMax,
		},
		batchSize:      batch,
		maxRetries:     maxRetries,
		parallelism:    parallelism,
		pollInterval:   time.Duration(pollMs) * time.Millisecond,
		publishTimeout: publishTimeout,
	}, nil
}

// Owner returns the worker's claim identity.
func (s *Service) Owner() uuid.UUID {
	return s.owner
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "pubsub", s.pub.Ping); err != nil {
		return err
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run polls for due events until ctx is canceled, then releases any claims
// this worker still holds so they become deliverable immediately.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = s.logg.WithWorkerID(ctx, s.owner.String())

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	defer s.releaseClaims()

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "relay context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "relay batch error", err)
			backoff = nextBackoff(backoff, interval, maxLoopBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval
		s.refreshStats(ctx)

		if processed {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch claims due events and publishes them. Events sharing a
// partition key run on one lane in claim order; distinct lanes run in
// parallel up to the configured limit.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	events, err := s.repo.ClaimBatch(ctx, s.owner, s.batchSize, now)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}
	s.metrics.AddClaimed(len(events))

	lanes := make(map[string][]models.OutboxEvent)
	order := make([]string, 0, len(events))
	for _, event := range events {
		if _, ok := lanes[event.PartitionKey]; !ok {
			order = append(order, event.PartitionKey)
		}
		lanes[event.PartitionKey] = append(lanes[event.PartitionKey], event)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for _, key := range order {
		lane := lanes[key]
		group.Go(func() error {
			for _, event := range lane {
				cont, err := s.deliver(groupCtx, event)
				if err != nil {
					return err
				}
				if !cont {
					break
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return true, err
	}
	return true, nil
}

// deliver moves one claimed event to published, back to pending with
// backoff, or to the dead-letter sink. Store failures propagate as errors;
// everything else is settled here. A retry-scheduled event returns
// cont=false so the rest of its lane waits for the next cycle and per-key
// ordering holds.
func (s *Service) deliver(ctx context.Context, event models.OutboxEvent) (bool, error) {
	now := time.Now().UTC()
	envelope, decodeErr := outbox.DecodeEnvelope(event.Payload)
	if decodeErr != nil {
		reason := apperrors.Wrap(apperrors.CodePermanentPublish, decodeErr, "undecodable payload")
		return true, s.deadLetter(ctx, event, enums.OutboxDLQReasonNonRetryable, reason)
	}

	fields := s.eventFields(event, envelope)
	topic := s.topics.TopicFor(event.EventType, event.AggregateType)
	fields["topic"] = topic
	logCtx := s.logg.WithFields(ctx, fields)

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	_, publishErr := s.pub.Publish(publishCtx, topic, &gcppubsub.Message{
		Data:        event.Payload,
		Attributes:  envelope.Attributes(),
		OrderingKey: event.PartitionKey,
	})
	cancel()

	if publishErr == nil {
		if err := s.repo.MarkPublished(ctx, event.ID, s.owner, time.Now().UTC()); err != nil {
			return true, s.settleMarkError(logCtx, err)
		}
		s.metrics.IncPublished(topic)
		s.metrics.ObservePublishLatency(time.Since(now))
		s.logg.Info(logCtx, "outbox event published")
		return true, nil
	}

	if !apperrors.IsRetryable(publishErr) {
		s.metrics.IncFailed("permanent")
		return true, s.deadLetter(logCtx, event, enums.OutboxDLQReasonNonRetryable, publishErr)
	}

	attempts := event.RetryCount + 1
	if attempts > s.maxRetries {
		s.metrics.IncFailed("max_retries")
		cause := fmt.Errorf("max publish retries reached: %w", publishErr)
		return true, s.deadLetter(logCtx, event, enums.OutboxDLQReasonMaxAttempts, cause)
	}

	s.metrics.IncFailed("transient")
	nextAttempt := s.backoff.NextAttemptAt(time.Now().UTC(), event.RetryCount)
	warnCtx := s.logg.WithFields(logCtx, map[string]any{
		"retry_count":     attempts,
		"next_attempt_at": nextAttempt.Format(time.RFC3339),
		"error":           publishErr.Error(),
	})
	s.logg.Warn(warnCtx, "outbox publish failed, retry scheduled")
	if err := s.repo.MarkFailed(ctx, event.ID, s.owner, publishErr, nextAttempt); err != nil {
		return true, s.settleMarkError(warnCtx, err)
	}
	return false, nil
}

// deadLetter records the terminal failure and flips the event in one
// transaction.
func (s *Service) deadLetter(ctx context.Context, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"error_reason": reason,
		"error":        cause.Error(),
	})
	s.logg.Warn(logCtx, "outbox event will not be retried")

	msg := cause.Error()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.MarkDeadLetteredTx(tx, event.ID, s.owner, cause); err != nil {
			return err
		}
		return s.dlq.InsertTx(tx, &models.OutboxDLQ{
			ID:            uuid.New(),
			EventID:       event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       event.Payload,
			PartitionKey:  event.PartitionKey,
			ErrorReason:   reason,
			ErrorMessage:  &msg,
			AttemptCount:  event.RetryCount + 1,
			FailedAt:      time.Now().UTC(),
		})
	})
	if err != nil {
		return s.settleMarkError(logCtx, err)
	}
	s.metrics.IncDeadLettered()
	return nil
}

// settleMarkError swallows claim fencing races: if another worker took the
// claim after our lease lapsed, that worker owns the outcome now.
func (s *Service) settleMarkError(ctx context.Context, err error) error {
	typed := apperrors.As(err)
	if typed != nil && typed.Code() == apperrors.CodeClaimExpired {
		s.logg.Warn(ctx, "claim lost to another worker, skipping")
		return nil
	}
	return err
}

func (s *Service) refreshStats(ctx context.Context) {
	stats, err := s.repo.Stats(ctx, time.Now().UTC())
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "pending stats unavailable")
		return
	}
	s.metrics.SetPendingBacklog(stats.Count)
	s.metrics.SetOldestPendingAge(stats.OldestAge)
}

func (s *Service) releaseClaims() {
	// Run on a fresh context: the loop context is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := s.repo.ReleaseClaims(ctx, s.owner)
	if err != nil {
		s.logg.Error(ctx, "failed to release claims on shutdown", err)
		return
	}
	if released > 0 {
		s.logg.Info(s.logg.WithField(ctx, "released", released), "released claims on shutdown")
	}
}

func (s *Service) eventFields(event models.OutboxEvent, envelope outbox.Envelope) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"partition_key":  event.PartitionKey,
		"retry_count":    event.RetryCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if envelope.CorrelationID != "" {
		fields["correlation_id"] = envelope.CorrelationID
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
