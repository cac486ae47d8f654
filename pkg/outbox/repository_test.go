package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbpkg "github.com/jmcastellano/outpost-backend/pkg/db"
	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	"github.com/jmcastellano/outpost-backend/pkg/enums"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}, &models.ProcessedEvent{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func seedEvent(t *testing.T, db *gorm.DB, mutate func(*models.OutboxEvent)) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		ID:             uuid.New(),
		AggregateType:  "user",
		AggregateID:    "user-1",
		EventType:      "user.created",
		Payload:        json.RawMessage(`{"data":{}}`),
		PartitionKey:   "user:user-1",
		IdempotencyKey: uuid.NewString(),
		State:          enums.OutboxStatePending,
		NextAttemptAt:  time.Now().Add(-time.Second),
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	if mutate != nil {
		mutate(&row)
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return row
}

func TestClaimBatchClaimsDueEvents(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	due := seedEvent(t, db, nil)
	notDue := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.NextAttemptAt = now.Add(time.Hour)
	})

	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 10, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed event, got %d", len(claimed))
	}
	if claimed[0].ID != due.ID {
		t.Fatalf("claimed the wrong event")
	}
	if claimed[0].State != enums.OutboxStateClaimed {
		t.Fatalf("expected claimed state, got %s", claimed[0].State)
	}

	var stored models.OutboxEvent
	if err := db.First(&stored, "id = ?", due.ID).Error; err != nil {
		t.Fatalf("load claimed: %v", err)
	}
	if stored.State != enums.OutboxStateClaimed {
		t.Fatalf("claim not persisted, state %s", stored.State)
	}
	if stored.ClaimOwner == nil || *stored.ClaimOwner != owner {
		t.Fatalf("claim owner not stamped")
	}

	var storedFuture models.OutboxEvent
	if err := db.First(&storedFuture, "id = ?", notDue.ID).Error; err != nil {
		t.Fatalf("load future event: %v", err)
	}
	if storedFuture.State != enums.OutboxStatePending {
		t.Fatalf("future event should remain pending, got %s", storedFuture.State)
	}
}

func TestClaimBatchSkipsAlreadyClaimed(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	seedEvent(t, db, nil)

	first, err := repo.ClaimBatch(ctx, uuid.New(), 10, now)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 event in first claim, got %d", len(first))
	}

	second, err := repo.ClaimBatch(ctx, uuid.New(), 10, now)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed events must not be claimable again, got %d", len(second))
	}
}

func TestClaimBatchHonorsOrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	oldest := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.CreatedAt = now.Add(-3 * time.Hour)
	})
	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.CreatedAt = now.Add(-time.Hour)
	})

	claimed, err := repo.ClaimBatch(ctx, uuid.New(), 1, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected the limit to cap the batch, got %d", len(claimed))
	}
	if claimed[0].ID != oldest.ID {
		t.Fatalf("expected the oldest event first")
	}
}

func TestClaimBatchHoldsPartitionBehindRetryScheduledEvent(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	older := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.PartitionKey = "order:order-1"
		e.CreatedAt = now.Add(-2 * time.Hour)
	})
	younger := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.PartitionKey = "order:order-1"
		e.CreatedAt = now.Add(-time.Hour)
	})
	unrelated := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.PartitionKey = "order:order-2"
		e.CreatedAt = now.Add(-time.Hour)
	})

	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 1, now)
	if err != nil || len(claimed) != 1 || claimed[0].ID != older.ID {
		t.Fatalf("expected the older event claimed first: %v (%d)", err, len(claimed))
	}

	// A transient failure pushes the older event's next attempt into the
	// future. Its partition must wait with it.
	if err := repo.MarkFailed(ctx, older.ID, owner, errors.New("broker down"), now.Add(time.Minute)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	claimed, err = repo.ClaimBatch(ctx, owner, 10, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != unrelated.ID {
		t.Fatalf("expected only the unrelated partition claimable, got %d", len(claimed))
	}

	// Once the older event's backoff elapses, the partition resumes in order.
	later := now.Add(2 * time.Minute)
	claimed, err = repo.ClaimBatch(ctx, owner, 10, later)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != older.ID || claimed[1].ID != younger.ID {
		t.Fatalf("expected the partition to resume oldest-first, got %d", len(claimed))
	}
}

func TestClaimBatchHoldsPartitionBehindInFlightClaim(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	older := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.PartitionKey = "order:order-1"
		e.CreatedAt = now.Add(-2 * time.Hour)
	})
	younger := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.PartitionKey = "order:order-1"
		e.CreatedAt = now.Add(-time.Hour)
	})

	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 1, now)
	if err != nil || len(claimed) != 1 || claimed[0].ID != older.ID {
		t.Fatalf("expected the older event claimed first: %v (%d)", err, len(claimed))
	}

	// While the older claim is in flight, no other worker may take the
	// younger event on the same key.
	second, err := repo.ClaimBatch(ctx, uuid.New(), 10, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("younger event must wait for its predecessor, got %d", len(second))
	}

	if err := repo.MarkPublished(ctx, older.ID, owner, now); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	second, err = repo.ClaimBatch(ctx, uuid.New(), 10, now)
	if err != nil || len(second) != 1 || second[0].ID != younger.ID {
		t.Fatalf("expected the younger event after publish: %v (%d)", err, len(second))
	}
}

func TestMarkPublishedFencesOnOwner(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	seedEvent(t, db, nil)
	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 1, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v", err)
	}
	id := claimed[0].ID

	err = repo.MarkPublished(ctx, id, uuid.New(), now)
	typed := apperrors.As(err)
	if typed == nil || typed.Code() != apperrors.CodeClaimExpired {
		t.Fatalf("expected claim-expired for foreign owner, got %v", err)
	}

	if err := repo.MarkPublished(ctx, id, owner, now); err != nil {
		t.Fatalf("publish by owner failed: %v", err)
	}

	var stored models.OutboxEvent
	if err := db.First(&stored, "id = ?", id).Error; err != nil {
		t.Fatalf("load published: %v", err)
	}
	if stored.State != enums.OutboxStatePublished {
		t.Fatalf("expected published state, got %s", stored.State)
	}
	if stored.PublishedAt == nil {
		t.Fatalf("published_at not stamped")
	}
	if stored.ClaimOwner != nil {
		t.Fatalf("claim owner should be cleared")
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	seedEvent(t, db, nil)
	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 1, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v", err)
	}

	nextAttempt := now.Add(4 * time.Second)
	if err := repo.MarkFailed(ctx, claimed[0].ID, owner, errors.New("broker down"), nextAttempt); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	var stored models.OutboxEvent
	if err := db.First(&stored, "id = ?", claimed[0].ID).Error; err != nil {
		t.Fatalf("load failed event: %v", err)
	}
	if stored.State != enums.OutboxStatePending {
		t.Fatalf("failed event should return to pending, got %s", stored.State)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", stored.RetryCount)
	}
	if stored.LastError == nil || *stored.LastError != "broker down" {
		t.Fatalf("last_error not recorded")
	}
	if stored.NextAttemptAt.Before(now.Add(3 * time.Second)) {
		t.Fatalf("next attempt not pushed into the future")
	}

	// Not claimable until the backoff elapses.
	reclaimed, err := repo.ClaimBatch(ctx, owner, 1, now)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("event should not be claimable before next_attempt_at")
	}
}

func TestDeadLetterAndReplayRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	dlqRepo := NewDLQRepository(db)
	client := dbpkg.NewWithConn(db)
	ctx := context.Background()
	now := time.Now()

	event := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.RetryCount = 3
	})
	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 1, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v", err)
	}

	cause := errors.New("max attempts reached")
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := repo.MarkDeadLetteredTx(tx, event.ID, owner, cause); err != nil {
			return err
		}
		msg := cause.Error()
		return dlqRepo.InsertTx(tx, &models.OutboxDLQ{
			ID:            uuid.New(),
			EventID:       event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       event.Payload,
			PartitionKey:  event.PartitionKey,
			ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
			ErrorMessage:  &msg,
			AttemptCount:  event.RetryCount + 1,
		})
	})
	if err != nil {
		t.Fatalf("dead-letter tx failed: %v", err)
	}

	var stored models.OutboxEvent
	if err := db.First(&stored, "id = ?", event.ID).Error; err != nil {
		t.Fatalf("load dead-lettered: %v", err)
	}
	if stored.State != enums.OutboxStateDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", stored.State)
	}

	entry, err := dlqRepo.FindByEventID(ctx, event.ID)
	if err != nil {
		t.Fatalf("find dlq entry: %v", err)
	}
	if entry == nil {
		t.Fatalf("dlq entry missing")
	}
	if entry.ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected reason %s", entry.ErrorReason)
	}

	// Operator replay: DLQ entry stamped, event back to pending with a
	// fresh retry budget.
	replayAt := now.Add(time.Minute)
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := repo.ReplayDeadLetteredTx(tx, event.ID, replayAt); err != nil {
			return err
		}
		return dlqRepo.MarkReplayedTx(tx, event.ID, replayAt)
	})
	if err != nil {
		t.Fatalf("replay tx failed: %v", err)
	}

	if err := db.First(&stored, "id = ?", event.ID).Error; err != nil {
		t.Fatalf("load replayed: %v", err)
	}
	if stored.State != enums.OutboxStatePending {
		t.Fatalf("expected pending after replay, got %s", stored.State)
	}
	if stored.RetryCount != 0 {
		t.Fatalf("replay should reset retry_count, got %d", stored.RetryCount)
	}

	entry, err = dlqRepo.FindByEventID(ctx, event.ID)
	if err != nil || entry == nil {
		t.Fatalf("dlq entry lost after replay: %v", err)
	}
	if entry.ReplayedAt == nil {
		t.Fatalf("replayed_at not stamped")
	}

	// A second replay of the same entry conflicts.
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return dlqRepo.MarkReplayedTx(tx, event.ID, replayAt)
	})
	typed := apperrors.As(err)
	if typed == nil || typed.Code() != apperrors.CodeConflict {
		t.Fatalf("expected conflict on double replay, got %v", err)
	}
}

func TestReleaseClaims(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	seedEvent(t, db, nil)
	seedEvent(t, db, nil)
	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 10, now)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim failed: %v (%d)", err, len(claimed))
	}

	released, err := repo.ReleaseClaims(ctx, owner)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}

	again, err := repo.ClaimBatch(ctx, uuid.New(), 10, now)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("released events should be claimable, got %d", len(again))
	}
}

func TestReclaimExpired(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.NextAttemptAt = now.Add(-20 * time.Minute)
	})
	owner := uuid.New()
	claimed, err := repo.ClaimBatch(ctx, owner, 1, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected backdated claim to take the seeded event, got %d", len(claimed))
	}

	// Fresh cutoff: the lease is still live.
	count, err := repo.ReclaimExpired(ctx, now.Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("live lease should not be reclaimed")
	}

	count, err = repo.ReclaimExpired(ctx, now, 100)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", count)
	}
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	stats, err := repo.Stats(ctx, now)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("expected empty backlog, got %d", stats.Count)
	}

	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.CreatedAt = now.Add(-2 * time.Hour)
	})
	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.CreatedAt = now.Add(-time.Minute)
	})
	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.State = enums.OutboxStatePublished
	})

	stats, err = repo.Stats(ctx, now)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 2 {
		t.Fatalf("expected 2 pending, got %d", stats.Count)
	}
	if stats.OldestAge < 2*time.Hour-time.Minute {
		t.Fatalf("oldest age too small: %v", stats.OldestAge)
	}
}

func TestReplaySinceAndRange(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	old := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.State = enums.OutboxStatePublished
		e.CreatedAt = now.Add(-3 * time.Hour)
	})
	mid := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.State = enums.OutboxStatePublished
		e.CreatedAt = now.Add(-2 * time.Hour)
	})
	recent := seedEvent(t, db, func(e *models.OutboxEvent) {
		e.State = enums.OutboxStatePublished
		e.CreatedAt = now.Add(-time.Hour)
	})

	count, err := repo.ReplaySince(ctx, now.Add(-90*time.Minute), now)
	if err != nil {
		t.Fatalf("replay since failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 replayed, got %d", count)
	}
	var stored models.OutboxEvent
	if err := db.First(&stored, "id = ?", recent.ID).Error; err != nil {
		t.Fatalf("load replayed: %v", err)
	}
	if stored.State != enums.OutboxStatePending {
		t.Fatalf("expected pending after replay, got %s", stored.State)
	}

	count, err = repo.ReplayRange(ctx, old.ID, mid.ID, now)
	if err != nil {
		t.Fatalf("replay range failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 replayed in range, got %d", count)
	}

	if _, err := repo.ReplayRange(ctx, uuid.New(), mid.ID, now); err == nil {
		t.Fatalf("expected not-found for unknown boundary")
	}
}

func TestDeletePublishedBefore(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now()

	oldPublished := now.Add(-48 * time.Hour)
	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.State = enums.OutboxStatePublished
		e.PublishedAt = &oldPublished
	})
	freshPublished := now.Add(-time.Hour)
	seedEvent(t, db, func(e *models.OutboxEvent) {
		e.State = enums.OutboxStatePublished
		e.PublishedAt = &freshPublished
	})
	seedEvent(t, db, nil)

	count, err := repo.DeletePublishedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 deleted, got %d", count)
	}

	var remaining int64
	if err := db.Model(&models.OutboxEvent{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}
}
