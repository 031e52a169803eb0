// Package feed maintains the venue price stream that keeps the position
// monitor's price cache warm.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbfarm/arbfarm/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// priceMsg is one tick from the venue price stream.
type priceMsg struct {
	Event string  `json:"event"`
	Mint  string  `json:"mint"`
	Price float64 `json:"price"`
	Ts    string  `json:"ts"`
}

// subCommand subscribes or unsubscribes a set of token mints.
type subCommand struct {
	Type  string   `json:"type"`
	Mints []string `json:"mints"`
}

// PriceFeed connects to the venue price websocket and writes every tick into
// the price cache. Subscriptions survive reconnects; the connection is
// re-established with exponential backoff.
type PriceFeed struct {
	url    string
	cache  domain.PriceCache
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]bool
}

// NewPriceFeed creates a PriceFeed.
func NewPriceFeed(url string, cache domain.PriceCache, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		url:    url,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_feed")),
		subs:   make(map[string]bool),
	}
}

// Subscribe registers token mints for price updates. Safe to call before or
// after Run; active connections get the subscription immediately, and it is
// replayed on every reconnect.
func (f *PriceFeed) Subscribe(mints ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fresh := make([]string, 0, len(mints))
	for _, m := range mints {
		if !f.subs[m] {
			f.subs[m] = true
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 || f.conn == nil {
		return nil
	}
	return f.send(subCommand{Type: "subscribe", Mints: fresh})
}

// Run connects and pumps ticks into the cache until the context is done.
func (f *PriceFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.WarnContext(ctx, "price feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("reconnect_in", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *PriceFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.url, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	f.mu.Lock()
	f.conn = conn
	mints := make([]string, 0, len(f.subs))
	for m := range f.subs {
		mints = append(mints, m)
	}
	var subErr error
	if len(mints) > 0 {
		subErr = f.send(subCommand{Type: "subscribe", Mints: mints})
	}
	f.mu.Unlock()
	if subErr != nil {
		return fmt.Errorf("feed: resubscribe: %w", subErr)
	}
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.logger.InfoContext(ctx, "price feed connected",
		slog.Int("subscriptions", len(mints)),
	)

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	// Close the connection when the context ends so ReadMessage unblocks.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleTick(ctx, data)
	}
}

func (f *PriceFeed) handleTick(ctx context.Context, data []byte) {
	var msg priceMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.DebugContext(ctx, "unparseable tick",
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if msg.Event != "price" || msg.Mint == "" || msg.Price <= 0 {
		return
	}
	ts := time.Now().UTC()
	if msg.Ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Ts); err == nil {
			ts = t
		}
	}
	if err := f.cache.SetPrice(ctx, msg.Mint, msg.Price, ts); err != nil {
		f.logger.WarnContext(ctx, "cache write failed",
			slog.String("mint", msg.Mint),
			slog.String("error", err.Error()),
		)
	}
}

func (f *PriceFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// send writes a command on the active connection. Caller holds f.mu.
func (f *PriceFeed) send(cmd subCommand) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteJSON(cmd)
}
