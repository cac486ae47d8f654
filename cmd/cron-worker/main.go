package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jmcastellano/outpost-backend/internal/consumers/sink"
	"github.com/jmcastellano/outpost-backend/internal/cron"
	"github.com/jmcastellano/outpost-backend/pkg/config"
	"github.com/jmcastellano/outpost-backend/pkg/db"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/metrics"
	"github.com/jmcastellano/outpost-backend/pkg/migrate"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
	"github.com/jmcastellano/outpost-backend/pkg/redis"
)

const reaperLockName = "cron:reaper"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	relayMetrics := metrics.NewRelayMetrics(prometheus.DefaultRegisterer)

	repo := outbox.NewRepository(dbClient.DB())

	retentionJob, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger:        logg,
		Repository:    repo,
		Markers:       sink.NewStore(dbClient.DB()),
		PublishedDays: cfg.Retention.PublishedDays,
		ProcessedDays: cfg.Retention.ProcessedDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create retention job", err)
		os.Exit(1)
	}

	reaperJob, err := cron.NewClaimReaperJob(cron.ClaimReaperJobParams{
		Logger:     logg,
		Repository: repo,
		Metrics:    relayMetrics,
		ClaimTTL:   cfg.Retention.ReaperClaimTTL,
		BatchSize:  cfg.Retention.ReaperBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create claim reaper job", err)
		os.Exit(1)
	}

	maintenanceLock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(cfg.Retention.CronLockKey), cfg.Retention.CronLockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create maintenance lock", err)
		os.Exit(1)
	}
	reaperLock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(reaperLockName), cfg.Retention.ReaperInterval)
	if err != nil {
		logg.Error(context.Background(), "failed to create reaper lock", err)
		os.Exit(1)
	}

	// The retention sweep runs on a daily cadence, the claim reaper on a
	// minute cadence. Each gets its own loop and Redis lock so slow
	// maintenance never starves lease recovery.
	maintenance, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(retentionJob),
		Lock:     maintenanceLock,
		Metrics:  cronMetrics,
		Interval: cfg.Retention.CronInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create maintenance service", err)
		os.Exit(1)
	}
	reaper, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(reaperJob),
		Lock:     reaperLock,
		Metrics:  cronMetrics,
		Interval: cfg.Retention.ReaperInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reaper service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return maintenance.Run(groupCtx) })
	group.Go(func() error { return reaper.Run(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
