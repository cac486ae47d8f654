package operator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
)

type dbClient interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	Stats(ctx context.Context, now time.Time) (outbox.PendingStats, error)
	ReplaySince(ctx context.Context, since, now time.Time) (int64, error)
	ReplayRange(ctx context.Context, fromID, toID uuid.UUID, now time.Time) (int64, error)
	ReplayDeadLetteredTx(tx *gorm.DB, id uuid.UUID, now time.Time) error
}

type dlqRepository interface {
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error)
	List(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, error)
	Count(ctx context.Context) (int64, error)
	MarkReplayedTx(tx *gorm.DB, eventID uuid.UUID, now time.Time) error
}

// ServiceParams configure the operator service.
type ServiceParams struct {
	DB         dbClient
	Repository outboxRepository
	DLQ        dlqRepository
	Logger     *logger.Logger
}

// Service exposes the operational surface: backlog stats, dead-letter
// inspection, and replay.
type Service struct {
	db   dbClient
	repo outboxRepository
	dlq  dlqRepository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQ == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		db:   params.DB,
		repo: params.Repository,
		dlq:  params.DLQ,
		logg: params.Logger,
		now:  time.Now,
	}, nil
}

// PendingStats reports the pending backlog size and the age of its oldest row.
func (s *Service) PendingStats(ctx context.Context) (outbox.PendingStats, error) {
	return s.repo.Stats(ctx, s.now().UTC())
}

// ListDeadLetters returns a page of dead-letter entries plus the count of
// entries still awaiting replay.
func (s *Service) ListDeadLetters(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, int64, error) {
	entries, err := s.dlq.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	pending, err := s.dlq.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return entries, pending, nil
}

// ReplayDeadLetter returns one dead-lettered event to the pending state with
// a fresh retry budget. Replaying an already-replayed entry conflicts.
func (s *Service) ReplayDeadLetter(ctx context.Context, eventID uuid.UUID) error {
	entry, err := s.dlq.FindByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if entry == nil {
		return apperrors.New(apperrors.CodeNotFound, "dead-letter entry not found")
	}

	now := s.now().UTC()
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.ReplayDeadLetteredTx(tx, eventID, now); err != nil {
			return err
		}
		return s.dlq.MarkReplayedTx(tx, eventID, now)
	})
	if err != nil {
		return err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":   eventID,
		"event_type": entry.EventType,
	})
	s.logg.Info(logCtx, "dead-letter entry replayed")
	return nil
}

// ReplaySince resets published events created at or after since back to
// pending so the relay delivers them again.
func (s *Service) ReplaySince(ctx context.Context, since time.Time) (int64, error) {
	replayed, err := s.repo.ReplaySince(ctx, since, s.now().UTC())
	if err != nil {
		return 0, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"since":    since,
		"replayed": replayed,
	})
	s.logg.Info(logCtx, "published events queued for replay")
	return replayed, nil
}

// ReplayRange resets the published events between two event ids, inclusive,
// using their creation times as the window boundaries.
func (s *Service) ReplayRange(ctx context.Context, fromID, toID uuid.UUID) (int64, error) {
	replayed, err := s.repo.ReplayRange(ctx, fromID, toID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"from_id":  fromID,
		"to_id":    toID,
		"replayed": replayed,
	})
	s.logg.Info(logCtx, "published events queued for replay")
	return replayed, nil
}
