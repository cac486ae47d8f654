package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/jmcastellano/outpost-backend/internal/consumers/sink"
	"github.com/jmcastellano/outpost-backend/pkg/config"
	"github.com/jmcastellano/outpost-backend/pkg/db"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/metrics"
	"github.com/jmcastellano/outpost-backend/pkg/migrate"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
	"github.com/jmcastellano/outpost-backend/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "sink-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "sink-worker"

	logg = logger.New(logger.Options{
		ServiceName: "sink-worker",
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

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	registry := prometheus.NewRegistry()
	sinkMetrics := metrics.NewSinkMetrics(registry)

	dedup := outbox.NewDeduplicator(cfg.Dedup.TTL, cfg.Dedup.SweepInterval)

	consumer, err := sink.NewConsumer(sink.ConsumerParams{
		Name:    cfg.PubSub.SinkConsumerName,
		DB:      dbClient,
		Store:   sink.NewStore(dbClient.DB()),
		Dedup:   dedup,
		Handler: recordEvent(logg),
		Logger:  logg,
		Metrics: sinkMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "sink-worker",
		"consumer":    cfg.PubSub.SinkConsumerName,
	})

	go dedup.Run(ctx)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Sink.MetricsPort,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics listener stopped", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logg.Info(ctx, "starting sink worker")

	sub := pubsubClient.EventsSubscription()
	if sub == nil {
		logg.Error(ctx, "events subscription is not configured", errors.New("missing OUTPOST_PUBSUB_EVENTS_SUBSCRIPTION"))
		os.Exit(1)
	}

	if err := consumer.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "sink worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "sink worker shutting down gracefully")
}

// recordEvent is the default terminal handler: the durable processed marker
// written in the same transaction is the observable effect.
func recordEvent(logg *logger.Logger) sink.Handler {
	return func(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"aggregate_type": envelope.AggregateType,
			"aggregate_id":   envelope.AggregateID,
		}), "event delivered to sink")
		return nil
	}
}
