package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// Monitor is the position watchdog: on every tick it marks open positions to
// the latest cached price and feeds any tripped exit rule to the exit queue.
type Monitor struct {
	positions *PositionService
	prices    domain.PriceCache
	signals   ExitSignaler
	sigStore  domain.ExitSignalStore
	interval  time.Duration
	logger    *slog.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(
	positions *PositionService,
	prices domain.PriceCache,
	signals ExitSignaler,
	sigStore domain.ExitSignalStore,
	interval time.Duration,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		positions: positions,
		prices:    prices,
		signals:   signals,
		sigStore:  sigStore,
		interval:  interval,
		logger:    logger.With(slog.String("component", "monitor")),
	}
}

// Run ticks until the context is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "position monitor started",
		slog.Duration("interval", m.interval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.ErrorContext(ctx, "tick failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Tick runs one monitoring pass over every open position.
func (m *Monitor) Tick(ctx context.Context) error {
	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	mints := make([]string, 0, len(open))
	for _, p := range open {
		mints = append(mints, p.TokenMint)
	}
	prices, err := m.prices.GetPrices(ctx, mints)
	if err != nil {
		return fmt.Errorf("monitor: fetch prices: %w", err)
	}

	now := time.Now().UTC()
	for _, p := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, ok := prices[p.TokenMint]
		if !ok || price <= 0 {
			// A stale or missing price never triggers an exit; the
			// position keeps its last mark until the feed recovers.
			m.logger.DebugContext(ctx, "no price",
				slog.String("position_id", p.ID),
				slog.String("mint", p.TokenMint),
			)
			continue
		}
		marked, err := m.positions.MarkPrice(ctx, p, price)
		if err != nil {
			m.logger.WarnContext(ctx, "mark price failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.evaluate(ctx, marked, now)
	}
	return nil
}

// evaluate feeds a tripped exit rule to the queue. A position with an active
// signal is only re-triggered when a strictly more protective rule fires, so
// the queue's single slot always holds the most urgent instruction without
// churning on every tick.
func (m *Monitor) evaluate(ctx context.Context, p domain.Position, now time.Time) {
	trigger, ok := EvaluateExit(p, now)
	if !ok {
		return
	}

	if p.Status == domain.PositionPendingExit {
		active, err := m.sigStore.GetByPosition(ctx, p.ID)
		if err == nil && reasonRank(trigger.Reason) <= reasonRank(active.Reason) {
			return
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "load active signal failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	if err := m.signals.Trigger(ctx, p, trigger); err != nil {
		m.logger.ErrorContext(ctx, "queue exit trigger failed",
			slog.String("position_id", p.ID),
			slog.String("reason", string(trigger.Reason)),
			slog.String("error", err.Error()),
		)
	}
}

// reasonRank orders exit reasons by how protective they are. Mirrors the
// evaluation priority in EvaluateExit.
func reasonRank(r domain.ExitReason) int {
	switch r {
	case domain.ExitEmergency:
		return 6
	case domain.ExitManual:
		return 5
	case domain.ExitStopLoss:
		return 4
	case domain.ExitTimeLimit:
		return 3
	case domain.ExitTrailingStop:
		return 2
	case domain.ExitTakeProfit:
		return 1
	}
	return 0
}

// ExpirySweeper retires pre-execution edges whose detection window lapsed.
type ExpirySweeper struct {
	edges    *EdgeService
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewExpirySweeper creates an ExpirySweeper.
func NewExpirySweeper(edges *EdgeService, interval time.Duration, batch int, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		edges:    edges,
		interval: interval,
		batch:    batch,
		logger:   logger.With(slog.String("component", "expiry_sweeper")),
	}
}

// Run sweeps until the context is done.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := s.edges.SweepExpired(ctx, time.Now().UTC(), s.batch)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.ErrorContext(ctx, "sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if swept > 0 {
				s.logger.InfoContext(ctx, "edges expired",
					slog.Int("count", swept),
				)
			}
		}
	}
}
