package domain

import (
	"context"
	"time"
)

// PriceCache is a short-TTL cache of venue token prices, fed by the price
// feed and read by the position monitor.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenMint string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenMint string) (float64, time.Time, error)
	GetPrices(ctx context.Context, tokenMints []string) (map[string]float64, error)
}

// LockManager provides distributed locks so multiple engine processes can
// share one ledger authority. Acquire returns an unlock function that is safe
// to call more than once, or ErrLockHeld when the lock is taken.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter bounds calls to the execution collaborator.
type RateLimiter interface {
	// Allow reports whether one more call fits in the window right now.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a slot is available or the context is done.
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// StreamMessage is one durable event bus entry.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus publishes lifecycle events. Publish delivers to live subscribers
// and mirrors the payload onto the durable stream of the same name, so
// consumers that replay after a restart see the full sequence via StreamRead.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
