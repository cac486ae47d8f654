package sink

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/jmcastellano/outpost-backend/pkg/db"
	"github.com/jmcastellano/outpost-backend/pkg/db/models"
)

// Store tracks processed idempotency keys per consumer in Postgres. The
// unique (consumer, idempotency_key) index is the arbiter: whichever
// delivery inserts first processes the event, every other delivery is a
// duplicate.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// MarkProcessedTx inserts the processed marker inside the caller's
// transaction. Returns false when the key was already recorded.
func (s *Store) MarkProcessedTx(tx *gorm.DB, consumer, idempotencyKey string, eventID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	row := models.ProcessedEvent{
		ID:             uuid.New(),
		Consumer:       consumer,
		IdempotencyKey: idempotencyKey,
		EventID:        eventID,
	}
	if err := tx.Create(&row).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "idx_processed_events_consumer_key") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteProcessedBefore prunes markers older than cutoff. Run by the
// maintenance cron once the dedup window has safely passed.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
