package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	apperrors "github.com/jmcastellano/outpost-backend/pkg/errors"
)

const maxDLQErrorLen = 1024

// DLQRepository owns reads and writes against outbox_dlq.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// InsertTx records a terminal failure inside the caller's transaction so the
// DLQ row and the event's state change commit together.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry *models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil {
		msg := truncateDLQError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Create(entry).Error
}

// FindByEventID returns the DLQ entry for an event, or nil when absent.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var dlq models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&dlq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dlq, nil
}

// List returns DLQ entries newest-first. Replayed entries are included so
// operators can audit past failures.
func (r *DLQRepository) List(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []models.OutboxDLQ
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	return rows, err
}

// Count returns the number of DLQ entries that have not been replayed.
func (r *DLQRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.OutboxDLQ{}).
		Where("replayed_at IS NULL").
		Count(&count).Error
	return count, err
}

// MarkReplayedTx stamps a DLQ entry as replayed inside the caller's
// transaction. Entries already replayed yield a conflict.
func (r *DLQRepository) MarkReplayedTx(tx *gorm.DB, eventID uuid.UUID, now time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	res := tx.Model(&models.OutboxDLQ{}).
		Where("event_id = ?", eventID).
		Where("replayed_at IS NULL").
		Update("replayed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeConflict, "dead-letter entry already replayed or missing")
	}
	return nil
}

func truncateDLQError(message string) string {
	if len(message) <= maxDLQErrorLen {
		return message
	}
	return message[:maxDLQErrorLen]
}
