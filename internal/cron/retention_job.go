package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/jmcastellano/outpost-backend/pkg/logger"
)

const (
	defaultPublishedRetentionDays = 30
	defaultProcessedRetentionDays = 7
)

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type processedRetentionStore interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionJobParams struct {
	Logger        *logger.Logger
	Repository    outboxRetentionRepo
	Markers       processedRetentionStore
	PublishedDays int
	ProcessedDays int
}

// NewRetentionJob prunes published outbox rows and processed-event markers
// that have aged past their retention windows. The two sweeps run
// independently so one failing table does not block the other.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if params.Markers == nil {
		return nil, fmt.Errorf("marker store required")
	}
	publishedDays := params.PublishedDays
	if publishedDays <= 0 {
		publishedDays = defaultPublishedRetentionDays
	}
	processedDays := params.ProcessedDays
	if processedDays <= 0 {
		processedDays = defaultProcessedRetentionDays
	}
	return &retentionJob{
		logg:          params.Logger,
		repo:          params.Repository,
		markers:       params.Markers,
		publishedDays: publishedDays,
		processedDays: processedDays,
		now:           time.Now,
	}, nil
}

type retentionJob struct {
	logg          *logger.Logger
	repo          outboxRetentionRepo
	markers       processedRetentionStore
	publishedDays int
	processedDays int
	now           func() time.Time
}

func (j *retentionJob) Name() string { return "outbox-retention" }

func (j *retentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	publishedCutoff := now.Add(-time.Duration(j.publishedDays) * 24 * time.Hour)
	processedCutoff := now.Add(-time.Duration(j.processedDays) * 24 * time.Hour)

	var errs error

	publishedDeleted, err := j.repo.DeletePublishedBefore(ctx, publishedCutoff)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("published sweep: %w", err))
	}
	processedDeleted, err := j.markers.DeleteProcessedBefore(ctx, processedCutoff)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("processed sweep: %w", err))
	}
	if errs != nil {
		return errs
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"published_cutoff":  publishedCutoff,
		"processed_cutoff":  processedCutoff,
		"published_deleted": publishedDeleted,
		"processed_deleted": processedDeleted,
	})
	j.logg.Info(logCtx, "retention sweep complete")
	return nil
}
