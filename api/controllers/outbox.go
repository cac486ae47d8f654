package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jmcastellano/outpost-backend/api/responses"
	"github.com/jmcastellano/outpost-backend/api/validators"
	pkgerrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
	"github.com/jmcastellano/outpost-backend/pkg/outbox"
)

type outboxService interface {
	PendingStats(ctx context.Context) (outbox.PendingStats, error)
	ReplaySince(ctx context.Context, since time.Time) (int64, error)
	ReplayRange(ctx context.Context, fromID, toID uuid.UUID) (int64, error)
}

func OutboxStats(svc outboxService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		stats, err := svc.PendingStats(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		payload := map[string]any{
			"pending":            stats.Count,
			"oldest_age_seconds": stats.OldestAge.Seconds(),
		}
		if stats.OldestEvent != nil {
			payload["oldest_created_at"] = stats.OldestEvent
		}
		responses.WriteSuccess(w, payload)
	}
}

type replayRequest struct {
	Since  *time.Time `json:"since"`
	FromID string     `json:"from_id" validate:"omitempty,uuid4"`
	ToID   string     `json:"to_id" validate:"omitempty,uuid4"`
}

// OutboxReplay re-queues already-published events, either everything created
// since a timestamp or the inclusive id range between two events. Consumers
// are expected to absorb the resulting duplicates through their idempotency
// keys.
func OutboxReplay(svc outboxService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req replayRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var (
			replayed int64
			err      error
		)
		switch {
		case req.Since != nil && (req.FromID != "" || req.ToID != ""):
			err = pkgerrors.New(pkgerrors.CodeValidation, "specify either since or an id range, not both")
		case req.Since != nil:
			replayed, err = svc.ReplaySince(ctx, req.Since.UTC())
		case req.FromID != "" && req.ToID != "":
			replayed, err = svc.ReplayRange(ctx, uuid.MustParse(req.FromID), uuid.MustParse(req.ToID))
		default:
			err = pkgerrors.New(pkgerrors.CodeValidation, "since or both from_id and to_id are required")
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"replayed": replayed,
		})
	}
}
