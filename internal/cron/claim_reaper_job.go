package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/metrics"
)

const (
	defaultReaperClaimTTL = 5 * time.Minute
	defaultReaperBatch    = 500
)

type claimReaperRepo interface {
	ReclaimExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type ClaimReaperJobParams struct {
	Logger     *logger.Logger
	Repository claimReaperRepo
	Metrics    *metrics.RelayMetrics
	ClaimTTL   time.Duration
	BatchSize  int
}

// NewClaimReaperJob returns claimed rows whose lease lapsed to the pending
// state so any live worker can pick them up again.
func NewClaimReaperJob(params ClaimReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	claimTTL := params.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultReaperClaimTTL
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReaperBatch
	}
	return &claimReaperJob{
		logg:      params.Logger,
		repo:      params.Repository,
		metrics:   params.Metrics,
		claimTTL:  claimTTL,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

type claimReaperJob struct {
	logg      *logger.Logger
	repo      claimReaperRepo
	metrics   *metrics.RelayMetrics
	claimTTL  time.Duration
	batchSize int
	now       func() time.Time
}

func (j *claimReaperJob) Name() string { return "claim-reaper" }

func (j *claimReaperJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.claimTTL)
	reclaimed, err := j.repo.ReclaimExpired(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("reclaim expired claims: %w", err)
	}
	j.metrics.AddReclaimed(int(reclaimed))
	if reclaimed == 0 {
		return nil
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"reclaimed": reclaimed,
	})
	j.logg.Info(logCtx, "expired claims returned to pending")
	return nil
}
