package outbox

import (
	"context"
	"sync"
	"time"
)

// Deduplicator is an in-process TTL cache over idempotency keys. It filters
// redundant publishes within its window; consumers still own durable dedup
// because the window is finite.
type Deduplicator struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduplicator builds a deduplicator with the given TTL and sweep
// interval.
func NewDeduplicator(ttl, sweepInterval time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Deduplicator{
		ttl:   ttl,
		sweep: sweepInterval,
		now:   time.Now,
		seen:  make(map[string]time.Time),
	}
}

// ProcessOrSkip records the key and reports whether the caller should
// process it. The check and the record are one atomic step, so concurrent
// callers with the same key get exactly one true.
func (d *Deduplicator) ProcessOrSkip(key string) bool {
	if key == "" {
		return true
	}
	now := d.now()
	cutoff := now.Add(-d.ttl)

	d.mu.Lock()
	defer d.mu.Unlock()
	if seenAt, ok := d.seen[key]; ok && seenAt.After(cutoff) {
		return false
	}
	d.seen[key] = now
	return true
}

// Forget drops a key so a later retry is processed again. Used when the
// caller recorded the key but the work behind it failed.
func (d *Deduplicator) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len reports the number of tracked keys, expired entries included until the
// next sweep.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Run sweeps expired entries until ctx is canceled. Lookups never return
// expired entries, the sweep only bounds memory.
func (d *Deduplicator) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.removeExpired()
		}
	}
}

func (d *Deduplicator) removeExpired() {
	cutoff := d.now().Add(-d.ttl)
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, seenAt := range d.seen {
		if !seenAt.After(cutoff) {
			delete(d.seen, key)
		}
	}
}
