package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcastellano/outpost-backend/api/responses"
	"github.com/jmcastellano/outpost-backend/api/validators"
	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	pkgerrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
)

const (
	defaultDeadLetterPageSize = 50
	maxDeadLetterPageSize     = 500
)

type deadLetterService interface {
	ListDeadLetters(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, int64, error)
	ReplayDeadLetter(ctx context.Context, eventID uuid.UUID) error
}

type deadLetterEntry struct {
	EventID       uuid.UUID  `json:"event_id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	PartitionKey  string     `json:"partition_key"`
	ErrorReason   string     `json:"error_reason"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	FailedAt      time.Time  `json:"failed_at"`
	ReplayedAt    *time.Time `json:"replayed_at,omitempty"`
}

func DeadLettersList(svc deadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		limit, err := validators.ParseQueryInt(r, "limit", defaultDeadLetterPageSize, 1, maxDeadLetterPageSize)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, 1<<30)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entries, pending, err := svc.ListDeadLetters(ctx, limit, offset)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		items := make([]deadLetterEntry, 0, len(entries))
		for _, entry := range entries {
			items = append(items, deadLetterEntry{
				EventID:       entry.EventID,
				AggregateType: entry.AggregateType,
				AggregateID:   entry.AggregateID,
				EventType:     entry.EventType,
				PartitionKey:  entry.PartitionKey,
				ErrorReason:   string(entry.ErrorReason),
				ErrorMessage:  entry.ErrorMessage,
				AttemptCount:  entry.AttemptCount,
				FailedAt:      entry.FailedAt,
				ReplayedAt:    entry.ReplayedAt,
			})
		}

		responses.WriteSuccess(w, map[string]any{
			"items":   items,
			"pending": pending,
			"limit":   limit,
			"offset":  offset,
		})
	}
}

func DeadLettersReplay(svc deadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event id must be a valid uuid"))
			return
		}

		if err := svc.ReplayDeadLetter(ctx, eventID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"event_id": eventID,
			"status":   "replayed",
		})
	}
}
