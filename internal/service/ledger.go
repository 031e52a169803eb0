package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbfarm/arbfarm/internal/domain"
	"github.com/arbfarm/arbfarm/internal/notify"
)

// ledgerLockTTL bounds how long a crashed process can hold a strategy's
// reservation lock.
const ledgerLockTTL = 10 * time.Second

// Ledger is the sole authority for capital reservation math. No other
// component maintains an independent capital total. Per-strategy
// serialization is layered: a distributed lock keeps multiple engine
// processes from interleaving, and the store's row lock is the hard
// guarantee underneath it.
type Ledger struct {
	capital  domain.CapitalStore
	locks    domain.LockManager
	notifier *notify.Notifier
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewLedger creates a Ledger with all required dependencies.
func NewLedger(
	capital domain.CapitalStore,
	locks domain.LockManager,
	notifier *notify.Notifier,
	bus domain.EventBus,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		capital:  capital,
		locks:    locks,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// Reserve earmarks amount against positionID under the strategy's ceiling.
// It returns domain.ErrCapitalExhausted when the ceiling would be breached
// and domain.ErrAlreadyExists when the position already holds a live
// reservation.
func (l *Ledger) Reserve(ctx context.Context, strategy domain.Strategy, positionID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: reservation amount must be > 0, got %v", domain.ErrValidation, amount)
	}
	if amount > strategy.MaxPositionSize {
		return fmt.Errorf("%w: amount %.4f exceeds max position size %.4f",
			domain.ErrCapitalExhausted, amount, strategy.MaxPositionSize)
	}

	unlock, err := l.acquireStrategyLock(ctx, strategy.ID)
	if err != nil {
		return fmt.Errorf("ledger: reserve %s: acquire lock: %w", positionID, err)
	}
	defer unlock()

	r := domain.CapitalReservation{
		ID:         uuid.New().String(),
		StrategyID: strategy.ID,
		PositionID: positionID,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.capital.Reserve(ctx, r, strategy.CapitalCeiling); err != nil {
		return fmt.Errorf("ledger: reserve %s: %w", positionID, err)
	}

	l.logger.InfoContext(ctx, "capital reserved",
		slog.String("strategy_id", strategy.ID),
		slog.String("position_id", positionID),
		slog.Float64("amount", amount),
	)
	return nil
}

// acquireStrategyLock polls for the strategy's reservation lock. Contention
// here is short-lived: holders only run one reservation transaction.
func (l *Ledger) acquireStrategyLock(ctx context.Context, strategyID string) (func(), error) {
	for {
		unlock, err := l.locks.Acquire(ctx, "ledger:"+strategyID, ledgerLockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the position's reservation. Idempotent: both the normal
// close path and the abandonment path may call it without double-crediting.
func (l *Ledger) Release(ctx context.Context, positionID string) error {
	if err := l.capital.Release(ctx, positionID); err != nil {
		return fmt.Errorf("ledger: release %s: %w", positionID, err)
	}
	return nil
}

// ReleaseProportional frees the share of the reservation backing an exited
// fraction of the position.
func (l *Ledger) ReleaseProportional(ctx context.Context, positionID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if err := l.capital.ReleasePartial(ctx, positionID, amount); err != nil {
		return fmt.Errorf("ledger: release proportional %s: %w", positionID, err)
	}
	return nil
}

// RecordTradeOutcome folds a realized P&L figure into today's risk stats.
func (l *Ledger) RecordTradeOutcome(ctx context.Context, strategyID string, pnl float64) error {
	now := time.Now().UTC()
	if err := l.capital.UpsertDailyStats(ctx, strategyID, now, pnl, now); err != nil {
		return fmt.Errorf("ledger: record outcome %s: %w", strategyID, err)
	}
	return nil
}

// CheckDailyLimit fails closed with domain.ErrDailyLimitBreach once today's
// realized loss meets the strategy's ceiling. A zero limit disables the
// check. The breach is escalated to the operator; it blocks new entries for
// the rest of the day but never touches open positions.
func (l *Ledger) CheckDailyLimit(ctx context.Context, strategy domain.Strategy) error {
	if strategy.DailyLossLimit <= 0 {
		return nil
	}
	stats, err := l.capital.GetDailyStats(ctx, strategy.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ledger: check daily limit %s: %w", strategy.ID, err)
	}
	if stats.RealizedLoss >= strategy.DailyLossLimit {
		l.alertDailyBreach(ctx, strategy, stats)
		return fmt.Errorf("%w: realized loss %.4f >= limit %.4f",
			domain.ErrDailyLimitBreach, stats.RealizedLoss, strategy.DailyLossLimit)
	}
	return nil
}

// DailyStats returns today's authoritative risk stats for a strategy.
func (l *Ledger) DailyStats(ctx context.Context, strategyID string) (domain.DailyRiskStats, error) {
	stats, err := l.capital.GetDailyStats(ctx, strategyID, time.Now().UTC())
	if err != nil {
		return domain.DailyRiskStats{}, fmt.Errorf("ledger: daily stats %s: %w", strategyID, err)
	}
	return stats, nil
}

func (l *Ledger) alertDailyBreach(ctx context.Context, strategy domain.Strategy, stats domain.DailyRiskStats) {
	evt, _ := json.Marshal(map[string]any{
		"event":         domain.EventDailyLimitBreached,
		"strategy_id":   strategy.ID,
		"realized_loss": stats.RealizedLoss,
		"limit":         strategy.DailyLossLimit,
	})
	if err := l.bus.Publish(ctx, domain.ChannelAlerts, evt); err != nil {
		l.logger.WarnContext(ctx, "publish daily breach event failed",
			slog.String("strategy_id", strategy.ID),
			slog.String("error", err.Error()),
		)
	}
	if l.notifier != nil {
		msg := fmt.Sprintf("Strategy %s hit its daily loss limit: %.4f SOL lost (limit %.4f). New entries are blocked until tomorrow.",
			strategy.Name, stats.RealizedLoss, strategy.DailyLossLimit)
		if err := l.notifier.Critical(ctx, domain.EventDailyLimitBreached, "Daily loss limit breached", msg); err != nil {
			l.logger.WarnContext(ctx, "daily breach notification failed",
				slog.String("strategy_id", strategy.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
