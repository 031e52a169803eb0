package executor

import (
	"sync"
	"time"
)

// dedup remembers recently submitted entry IDs so a retried pipeline step
// cannot double-submit the same edge inside the TTL window. Safe for
// concurrent use.
type dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// isDuplicate reports whether id was seen inside the TTL window, recording it
// when it was not.
func (d *dedup) isDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.seen[id]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[id] = now
	d.sweepLocked(now)
	return false
}

// sweepLocked drops expired entries. Called with the mutex held; the map only
// holds IDs from the last TTL window so a sweep per insert stays cheap.
func (d *dedup) sweepLocked(now time.Time) {
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
