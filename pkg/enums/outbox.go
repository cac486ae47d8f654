package enums

import "fmt"

// OutboxState maps to the outbox_state enum in Postgres.
type OutboxState string

const (
	// OutboxStatePending means the event is durable but not yet claimed.
	OutboxStatePending OutboxState = "pending"
	// OutboxStateClaimed means a relay worker holds a live lease on the event.
	OutboxStateClaimed OutboxState = "claimed"
	// OutboxStatePublished means the broker acknowledged the event.
	OutboxStatePublished OutboxState = "published"
	// OutboxStateDeadLettered is terminal until an operator replays the event.
	OutboxStateDeadLettered OutboxState = "dead_lettered"
)

var validOutboxStates = []OutboxState{
	OutboxStatePending,
	OutboxStateClaimed,
	OutboxStatePublished,
	OutboxStateDeadLettered,
}

// IsValid reports whether the value matches the canonical outbox_state enum.
func (s OutboxState) IsValid() bool {
	for _, candidate := range validOutboxStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOutboxState converts raw input into OutboxState.
func ParseOutboxState(value string) (OutboxState, error) {
	for _, candidate := range validOutboxStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox state %q", value)
}

// CanTransitionTo enforces the event lifecycle. Replay is the only path out
// of dead_lettered and it lands the event back in pending.
func (s OutboxState) CanTransitionTo(next OutboxState) bool {
	switch s {
	case OutboxStatePending:
		return next == OutboxStateClaimed
	case OutboxStateClaimed:
		return next == OutboxStatePending ||
			next == OutboxStatePublished ||
			next == OutboxStateDeadLettered
	case OutboxStateDeadLettered:
		return next == OutboxStatePending
	default:
		return false
	}
}
