package outbox

import "time"

// Backoff computes the delay before the next publish attempt. Delays double
// per retry from Base up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff for the given retry count. retryCount is the
// number of attempts already made, so the first retry waits Base.
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Minute
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// NextAttemptAt returns the wall-clock time of the next allowed attempt.
func (b Backoff) NextAttemptAt(now time.Time, retryCount int) time.Time {
	return now.Add(b.Delay(retryCount))
}
