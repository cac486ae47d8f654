package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmcastellano/outpost-backend/pkg/outbox"
)

type testOutboxService struct {
	statsFn       func(ctx context.Context) (outbox.PendingStats, error)
	replaySinceFn func(ctx context.Context, since time.Time) (int64, error)
	replayRangeFn func(ctx context.Context, fromID, toID uuid.UUID) (int64, error)
}

func (s *testOutboxService) PendingStats(ctx context.Context) (outbox.PendingStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return outbox.PendingStats{}, nil
}

func (s *testOutboxService) ReplaySince(ctx context.Context, since time.Time) (int64, error) {
	if s.replaySinceFn != nil {
		return s.replaySinceFn(ctx, since)
	}
	return 0, nil
}

func (s *testOutboxService) ReplayRange(ctx context.Context, fromID, toID uuid.UUID) (int64, error) {
	if s.replayRangeFn != nil {
		return s.replayRangeFn(ctx, fromID, toID)
	}
	return 0, nil
}

func TestOutboxStatsSuccess(t *testing.T) {
	oldest := time.Now().Add(-time.Minute).UTC()
	svc := &testOutboxService{
		statsFn: func(ctx context.Context) (outbox.PendingStats, error) {
			return outbox.PendingStats{Count: 12, OldestAge: time.Minute, OldestEvent: &oldest}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox/stats", nil)
	resp := httptest.NewRecorder()
	OutboxStats(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	var envelope struct {
		Data struct {
			Pending          int64   `json:"pending"`
			OldestAgeSeconds float64 `json:"oldest_age_seconds"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Pending != 12 {
		t.Fatalf("unexpected pending %d", envelope.Data.Pending)
	}
	if envelope.Data.OldestAgeSeconds != 60 {
		t.Fatalf("unexpected oldest age %f", envelope.Data.OldestAgeSeconds)
	}
}

func TestOutboxReplaySince(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := &testOutboxService{
		replaySinceFn: func(ctx context.Context, got time.Time) (int64, error) {
			if !got.Equal(since) {
				t.Fatalf("unexpected since %s", got)
			}
			return 9, nil
		},
	}

	body := `{"since":"2026-03-01T00:00:00Z"}`
	resp := postReplay(t, svc, body)
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	var envelope struct {
		Data struct {
			Replayed int64 `json:"replayed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Replayed != 9 {
		t.Fatalf("unexpected replayed %d", envelope.Data.Replayed)
	}
}

func TestOutboxReplayRange(t *testing.T) {
	fromID := uuid.New()
	toID := uuid.New()
	svc := &testOutboxService{
		replayRangeFn: func(ctx context.Context, gotFrom, gotTo uuid.UUID) (int64, error) {
			if gotFrom != fromID || gotTo != toID {
				t.Fatalf("unexpected range %s..%s", gotFrom, gotTo)
			}
			return 3, nil
		},
	}

	body := `{"from_id":"` + fromID.String() + `","to_id":"` + toID.String() + `"}`
	resp := postReplay(t, svc, body)
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
}

func TestOutboxReplayRejectsAmbiguousBody(t *testing.T) {
	body := `{"since":"2026-03-01T00:00:00Z","from_id":"` + uuid.NewString() + `","to_id":"` + uuid.NewString() + `"}`
	resp := postReplay(t, &testOutboxService{}, body)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestOutboxReplayRejectsEmptyBody(t *testing.T) {
	resp := postReplay(t, &testOutboxService{}, `{}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestOutboxReplayRejectsBadUUID(t *testing.T) {
	resp := postReplay(t, &testOutboxService{}, `{"from_id":"nope","to_id":"nope"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func postReplay(t *testing.T, svc outboxService, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/outbox/replay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	OutboxReplay(svc, testLogger())(resp, req)
	return resp
}
