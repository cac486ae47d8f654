package outbox

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	backoff := Backoff{Base: time.Second, Max: 5 * time.Minute}

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{retries: 0, want: time.Second},
		{retries: 1, want: 2 * time.Second},
		{retries: 2, want: 4 * time.Second},
		{retries: 5, want: 32 * time.Second},
		{retries: 8, want: 256 * time.Second},
		{retries: 9, want: 5 * time.Minute},
		{retries: 60, want: 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoff.Delay(tt.retries); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	var backoff Backoff
	if got := backoff.Delay(0); got != time.Second {
		t.Fatalf("expected default base, got %v", got)
	}
	if got := backoff.Delay(100); got != 5*time.Minute {
		t.Fatalf("expected default cap, got %v", got)
	}
	if got := backoff.Delay(-3); got != time.Second {
		t.Fatalf("negative retries should clamp to base, got %v", got)
	}
}

func TestNextAttemptAt(t *testing.T) {
	backoff := Backoff{Base: time.Second, Max: time.Minute}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if got := backoff.NextAttemptAt(now, 2); !got.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("unexpected next attempt %v", got)
	}
}
