package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// positionEvent is the subset of the positions channel payload the syncer
// cares about.
type positionEvent struct {
	Event     string `json:"event"`
	TokenMint string `json:"token_mint"`
}

// SubscriptionSync keeps the price feed subscribed to every token the engine
// holds. At startup it seeds from the open position set, then follows
// position_opened events. Mints are never unsubscribed: closed-position ticks
// are cheap and a resubscribe race on a fast reopen is not.
type SubscriptionSync struct {
	feed      *PriceFeed
	bus       domain.EventBus
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewSubscriptionSync creates a SubscriptionSync.
func NewSubscriptionSync(feed *PriceFeed, bus domain.EventBus, positions domain.PositionStore, logger *slog.Logger) *SubscriptionSync {
	return &SubscriptionSync{
		feed:      feed,
		bus:       bus,
		positions: positions,
		logger:    logger.With(slog.String("component", "sub_sync")),
	}
}

// Run seeds subscriptions and follows position events until the context is
// done.
func (s *SubscriptionSync) Run(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, p := range open {
		if err := s.feed.Subscribe(p.TokenMint); err != nil {
			s.logger.WarnContext(ctx, "seed subscribe failed",
				slog.String("mint", p.TokenMint),
				slog.String("error", err.Error()),
			)
		}
	}

	ch, err := s.bus.Subscribe(ctx, domain.ChannelPositions)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "subscription sync started",
		slog.Int("seeded", len(open)),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var ev positionEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			if ev.Event != domain.EventPositionOpened || ev.TokenMint == "" {
				continue
			}
			if err := s.feed.Subscribe(ev.TokenMint); err != nil {
				s.logger.WarnContext(ctx, "subscribe failed",
					slog.String("mint", ev.TokenMint),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
