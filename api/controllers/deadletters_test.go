package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcastellano/outpost-backend/pkg/db/models"
	"github.com/jmcastellano/outpost-backend/pkg/enums"
	pkgerrors "github.com/jmcastellano/outpost-backend/pkg/errors"
	"github.com/jmcastellano/outpost-backend/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "api-test", Output: io.Discard})
}

type testDeadLetterService struct {
	listFn   func(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, int64, error)
	replayFn func(ctx context.Context, eventID uuid.UUID) error
}

func (s *testDeadLetterService) ListDeadLetters(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, limit, offset)
	}
	return nil, 0, nil
}

func (s *testDeadLetterService) ReplayDeadLetter(ctx context.Context, eventID uuid.UUID) error {
	if s.replayFn != nil {
		return s.replayFn(ctx, eventID)
	}
	return nil
}

func TestDeadLettersListSuccess(t *testing.T) {
	eventID := uuid.New()
	svc := &testDeadLetterService{
		listFn: func(ctx context.Context, limit, offset int) ([]models.OutboxDLQ, int64, error) {
			if limit != 10 || offset != 5 {
				t.Fatalf("unexpected paging %d/%d", limit, offset)
			}
			return []models.OutboxDLQ{{
				EventID:       eventID,
				AggregateType: "user",
				AggregateID:   "user-1",
				EventType:     "user.created",
				PartitionKey:  "user:user-1",
				ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
				AttemptCount:  4,
				FailedAt:      time.Now().UTC(),
			}}, 1, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deadletters?limit=10&offset=5", nil)
	resp := httptest.NewRecorder()
	DeadLettersList(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	var envelope struct {
		Data struct {
			Items   []deadLetterEntry `json:"items"`
			Pending int64             `json:"pending"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(envelope.Data.Items) != 1 || envelope.Data.Items[0].EventID != eventID {
		t.Fatalf("unexpected items %+v", envelope.Data.Items)
	}
	if envelope.Data.Pending != 1 {
		t.Fatalf("unexpected pending %d", envelope.Data.Pending)
	}
}

func TestDeadLettersListRejectsBadLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deadletters?limit=nope", nil)
	resp := httptest.NewRecorder()
	DeadLettersList(&testDeadLetterService{}, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestDeadLettersReplaySuccess(t *testing.T) {
	eventID := uuid.New()
	called := false
	svc := &testDeadLetterService{
		replayFn: func(ctx context.Context, id uuid.UUID) error {
			called = true
			if id != eventID {
				t.Fatalf("unexpected event id %s", id)
			}
			return nil
		},
	}

	req := newReplayRequest(t, eventID.String())
	resp := httptest.NewRecorder()
	DeadLettersReplay(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	if !called {
		t.Fatal("expected service called")
	}
}

func TestDeadLettersReplayRejectsBadID(t *testing.T) {
	req := newReplayRequest(t, "not-a-uuid")
	resp := httptest.NewRecorder()
	DeadLettersReplay(&testDeadLetterService{}, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestDeadLettersReplayMapsNotFound(t *testing.T) {
	svc := &testDeadLetterService{
		replayFn: func(ctx context.Context, id uuid.UUID) error {
			return pkgerrors.New(pkgerrors.CodeNotFound, "dead-letter entry not found")
		},
	}

	req := newReplayRequest(t, uuid.NewString())
	resp := httptest.NewRecorder()
	DeadLettersReplay(svc, testLogger())(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func newReplayRequest(t *testing.T, eventID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deadletters/"+eventID+"/replay", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("eventID", eventID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}
