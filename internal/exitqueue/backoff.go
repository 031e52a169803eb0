// Package exitqueue is the durable exit pipeline: triggers from the monitor
// become persisted signals, and the dispatcher drains them against the
// execution client with retries. A signal only leaves the queue on a
// confirmed fill or after escalation to the operator, so a detected risk
// condition can never be silently dropped.
package exitqueue

import "time"

// Backoff computes retry delays for failed exit attempts. Rate-limited
// failures follow a separate, longer curve: hammering a venue that is already
// shedding load only extends the outage.
type Backoff struct {
	Base          time.Duration
	Max           time.Duration
	RateLimitBase time.Duration
}

// Delay returns the wait before the next attempt given the number of failures
// already recorded. Exponential doubling, capped at Max.
func (b Backoff) Delay(failures int, rateLimited bool) time.Duration {
	base := b.Base
	if rateLimited {
		base = b.RateLimitBase
	}
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
