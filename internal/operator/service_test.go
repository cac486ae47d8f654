package operator

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbpkg "github.com/jmcastellano/outpost-backend/pkg/db"
	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	"github.com/jmcastellano/outpost-backend/pkg/enums"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	logg := logger.New(logger.Options{ServiceName: "operator-test", Output: io.Discard})
	service, err := NewService(ServiceParams{
		DB:         dbpkg.NewWithConn(conn),
		Repository: outbox.NewRepository(conn),
		DLQ:        outbox.NewDLQRepository(conn),
		Logger:     logg,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, conn
}

func seedDeadLettered(t *testing.T, db *gorm.DB) models.OutboxEvent {
	t.Helper()
	event := models.OutboxEvent{
		ID:             uuid.New(),
		AggregateType:  "user",
		AggregateID:    "user-1",
		EventType:      "user.created",
		Payload:        json.RawMessage(`{"data":{}}`),
		PartitionKey:   "user:user-1",
		IdempotencyKey: uuid.NewString(),
		State:          enums.OutboxStateDeadLettered,
		RetryCount:     4,
		NextAttemptAt:  time.Now().Add(-time.Minute),
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	entry := models.OutboxDLQ{
		ID:            uuid.New(),
		EventID:       event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		PartitionKey:  event.PartitionKey,
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		AttemptCount:  4,
		FailedAt:      time.Now().Add(-time.Hour),
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed dlq entry: %v", err)
	}
	return event
}

func TestReplayDeadLetterResetsEvent(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	event := seedDeadLettered(t, db)

	if err := service.ReplayDeadLetter(ctx, event.ID); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	var reloaded models.OutboxEvent
	if err := db.First(&reloaded, "id = ?", event.ID).Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if reloaded.State != enums.OutboxStatePending {
		t.Fatalf("expected pending state, got %s", reloaded.State)
	}
	if reloaded.RetryCount != 0 {
		t.Fatalf("expected fresh retry budget, got %d", reloaded.RetryCount)
	}

	var entry models.OutboxDLQ
	if err := db.First(&entry, "event_id = ?", event.ID).Error; err != nil {
		t.Fatalf("reload dlq entry: %v", err)
	}
	if entry.ReplayedAt == nil {
		t.Fatal("expected replayed_at to be set")
	}
}

func TestReplayDeadLetterTwiceConflicts(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	event := seedDeadLettered(t, db)

	if err := service.ReplayDeadLetter(ctx, event.ID); err != nil {
		t.Fatalf("first replay failed: %v", err)
	}
	err := service.ReplayDeadLetter(ctx, event.ID)
	if err == nil {
		t.Fatal("expected conflict on second replay")
	}
	typed := apperrors.As(err)
	if typed == nil || typed.Code() != apperrors.CodeConflict {
		t.Fatalf("expected conflict code, got %v", err)
	}
}

func TestReplayDeadLetterUnknownEvent(t *testing.T) {
	service, _ := newTestService(t)

	err := service.ReplayDeadLetter(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected not found")
	}
	typed := apperrors.As(err)
	if typed == nil || typed.Code() != apperrors.CodeNotFound {
		t.Fatalf("expected not found code, got %v", err)
	}
}

func TestListDeadLettersReturnsPendingCount(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	seedDeadLettered(t, db)
	replayed := seedDeadLettered(t, db)
	if err := service.ReplayDeadLetter(ctx, replayed.ID); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	entries, pending, err := service.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending entry, got %d", pending)
	}
}

func TestPendingStats(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	event := models.OutboxEvent{
		ID:             uuid.New(),
		AggregateType:  "user",
		AggregateID:    "user-2",
		EventType:      "user.created",
		Payload:        json.RawMessage(`{"data":{}}`),
		PartitionKey:   "user:user-2",
		IdempotencyKey: uuid.NewString(),
		State:          enums.OutboxStatePending,
		NextAttemptAt:  time.Now(),
		CreatedAt:      time.Now().Add(-10 * time.Minute),
	}
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	stats, err := service.PendingStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.Count)
	}
	if stats.OldestAge < 9*time.Minute {
		t.Fatalf("expected oldest age around 10m, got %s", stats.OldestAge)
	}
}

func TestReplaySinceRequeuesPublished(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	publishedAt := time.Now().Add(-time.Minute)

	event := models.OutboxEvent{
		ID:             uuid.New(),
		AggregateType:  "user",
		AggregateID:    "user-3",
		EventType:      "user.created",
		Payload:        json.RawMessage(`{"data":{}}`),
		PartitionKey:   "user:user-3",
		IdempotencyKey: uuid.NewString(),
		State:          enums.OutboxStatePublished,
		NextAttemptAt:  time.Now().Add(-time.Hour),
		CreatedAt:      time.Now().Add(-30 * time.Minute),
		PublishedAt:    &publishedAt,
	}
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	replayed, err := service.ReplaySince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("replay since failed: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("expected 1 replayed, got %d", replayed)
	}

	var reloaded models.OutboxEvent
	if err := db.First(&reloaded, "id = ?", event.ID).Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if reloaded.State != enums.OutboxStatePending {
		t.Fatalf("expected pending state, got %s", reloaded.State)
	}
}
