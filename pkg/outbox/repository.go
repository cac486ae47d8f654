package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	"github.com/jmcastellano/outpost-backend/pkg/enums"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
)

const maxLastErrorLen = 1024

// Repository owns all reads and writes against outbox_events.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// PendingStats summarizes the unclaimed backlog for monitoring.
type PendingStats struct {
	Count       int64
	OldestAge   time.Duration
	OldestEvent *time.Time
}

// InsertTx appends an event inside the caller's transaction. The caller's
// state change and the event become durable together or not at all.
func (r *Repository) InsertTx(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(event).Error
}

// ClaimBatch atomically moves up to limit due pending events to claimed and
// stamps them with the owner's lease. Rows locked by a competing worker are
// skipped on Postgres so two relays never claim the same event. An event is
// held back while an older event on the same partition key is still in
// flight or waiting out its retry backoff, so per-key order survives across
// poll cycles.
func (r *Repository) ClaimBatch(ctx context.Context, owner uuid.UUID, limit int, now time.Time) ([]models.OutboxEvent, error) {
	if owner == uuid.Nil {
		return nil, errors.New("claim owner is required")
	}
	if limit <= 0 {
		limit = 50
	}

	var claimed []models.OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("state = ?", enums.OutboxStatePending).
			Where("next_attempt_at <= ?", now).
			Where(`NOT EXISTS (
				SELECT 1 FROM outbox_events older
				WHERE older.partition_key = outbox_events.partition_key
					AND older.created_at < outbox_events.created_at
					AND (older.state = ? OR (older.state = ? AND older.next_attempt_at > ?))
			)`, enums.OutboxStateClaimed, enums.OutboxStatePending, now).
			Order("created_at ASC").
			Order("id ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []models.OutboxEvent
		if err := query.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := tx.Model(&models.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"state":       enums.OutboxStateClaimed,
				"claimed_at":  now,
				"claim_owner": owner,
			}).Error; err != nil {
			return err
		}

		for i := range rows {
			rows[i].State = enums.OutboxStateClaimed
			claimedAt := now
			rows[i].ClaimedAt = &claimedAt
			ownerCopy := owner
			rows[i].ClaimOwner = &ownerCopy
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkPublished transitions a claimed event to published. The update is
// fenced on the claim owner: if another worker reclaimed the row after our
// lease lapsed, zero rows match and the caller gets a claim-expired error.
func (r *Repository) MarkPublished(ctx context.Context, id, owner uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Where("state = ?", enums.OutboxStateClaimed).
		Where("claim_owner = ?", owner).
		Updates(map[string]any{
			"state":        enums.OutboxStatePublished,
			"published_at": now,
			"claimed_at":   nil,
			"claim_owner":  nil,
			"last_error":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeClaimExpired, "claim no longer held")
	}
	return nil
}

// MarkFailed releases a claimed event back to pending with an incremented
// retry count and a future next_attempt_at. Same owner fencing as
// MarkPublished.
func (r *Repository) MarkFailed(ctx context.Context, id, owner uuid.UUID, cause error, nextAttemptAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Where("state = ?", enums.OutboxStateClaimed).
		Where("claim_owner = ?", owner).
		Updates(map[string]any{
			"state":           enums.OutboxStatePending,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"next_attempt_at": nextAttemptAt,
			"last_error":      truncateError(cause),
			"claimed_at":      nil,
			"claim_owner":     nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeClaimExpired, "claim no longer held")
	}
	return nil
}

// MarkDeadLetteredTx transitions a claimed event to its terminal state inside
// the caller's transaction, alongside the DLQ insert.
func (r *Repository) MarkDeadLetteredTx(tx *gorm.DB, id, owner uuid.UUID, cause error) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	res := tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Where("state = ?", enums.OutboxStateClaimed).
		Where("claim_owner = ?", owner).
		Updates(map[string]any{
			"state":       enums.OutboxStateDeadLettered,
			"last_error":  truncateError(cause),
			"claimed_at":  nil,
			"claim_owner": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeClaimExpired, "claim no longer held")
	}
	return nil
}

// ReleaseClaims returns every claim held by owner to pending. Called on
// worker shutdown so in-flight events become claimable immediately instead
// of waiting out the lease.
func (r *Repository) ReleaseClaims(ctx context.Context, owner uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("state = ?", enums.OutboxStateClaimed).
		Where("claim_owner = ?", owner).
		Updates(map[string]any{
			"state":       enums.OutboxStatePending,
			"claimed_at":  nil,
			"claim_owner": nil,
		})
	return res.RowsAffected, res.Error
}

// ReclaimExpired returns claims whose lease lapsed before cutoff to pending.
// Covers workers that died without releasing.
func (r *Repository) ReclaimExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("state = ?", enums.OutboxStateClaimed).
		Where("claimed_at < ?", cutoff).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Where("state = ?", enums.OutboxStateClaimed).
		Updates(map[string]any{
			"state":       enums.OutboxStatePending,
			"claimed_at":  nil,
			"claim_owner": nil,
		})
	return res.RowsAffected, res.Error
}

// Stats reports the pending backlog size and the age of its oldest event.
func (r *Repository) Stats(ctx context.Context, now time.Time) (PendingStats, error) {
	var stats PendingStats
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("state = ?", enums.OutboxStatePending).
		Count(&stats.Count).Error
	if err != nil {
		return PendingStats{}, err
	}
	if stats.Count == 0 {
		return stats, nil
	}

	var oldest models.OutboxEvent
	err = r.db.WithContext(ctx).
		Where("state = ?", enums.OutboxStatePending).
		Order("created_at ASC").
		First(&oldest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return stats, nil
		}
		return PendingStats{}, err
	}
	createdAt := oldest.CreatedAt
	stats.OldestEvent = &createdAt
	stats.OldestAge = now.Sub(createdAt)
	return stats, nil
}

// ReplaySince resets published events created at or after since back to
// pending so the relay delivers them again. Consumers are expected to dedup.
func (r *Repository) ReplaySince(ctx context.Context, since, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("state = ?", enums.OutboxStatePublished).
		Where("created_at >= ?", since).
		Updates(replayResets(now))
	return res.RowsAffected, res.Error
}

// ReplayRange resets published events created between the two boundary
// events, inclusive. Boundary IDs that do not exist yield a not-found error.
func (r *Repository) ReplayRange(ctx context.Context, fromID, toID uuid.UUID, now time.Time) (int64, error) {
	from, err := r.findByID(ctx, fromID)
	if err != nil {
		return 0, err
	}
	to, err := r.findByID(ctx, toID)
	if err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("state = ?", enums.OutboxStatePublished).
		Where("created_at >= ?", from.CreatedAt).
		Where("created_at <= ?", to.CreatedAt).
		Updates(replayResets(now))
	return res.RowsAffected, res.Error
}

// ReplayDeadLetteredTx returns a dead-lettered event to pending with a fresh
// retry budget. Runs in the caller's transaction alongside the DLQ update.
func (r *Repository) ReplayDeadLetteredTx(tx *gorm.DB, id uuid.UUID, now time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	res := tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Where("state = ?", enums.OutboxStateDeadLettered).
		Updates(replayResets(now))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeNotFound, "dead-lettered event not found")
	}
	return nil
}

// DeletePublishedBefore prunes published events older than cutoff.
func (r *Repository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state = ?", enums.OutboxStatePublished).
		Where("published_at < ?", cutoff).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

func (r *Repository) findByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "outbox event not found")
		}
		return nil, err
	}
	return &row, nil
}

func replayResets(now time.Time) map[string]any {
	return map[string]any{
		"state":           enums.OutboxStatePending,
		"retry_count":     0,
		"next_attempt_at": now,
		"published_at":    nil,
		"claimed_at":      nil,
		"claim_owner":     nil,
		"last_error":      nil,
	}
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return &msg
}
