package exitqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbfarm/arbfarm/internal/domain"
	"github.com/arbfarm/arbfarm/internal/service"
)

type dispatcherFixture struct {
	signals    *memSignalStore
	posStore   *memPositionStore
	capital    *memCapitalStore
	edgeStore  *memEdgeStore
	bus        *memBus
	executor   *fakeExitExecutor
	limiter    *fakeLimiter
	dispatcher *Dispatcher
}

func newDispatcherFixture() *dispatcherFixture {
	logger := testLogger()
	signals := newMemSignalStore()
	posStore := newMemPositionStore()
	capital := newMemCapitalStore()
	edgeStore := newMemEdgeStore()
	bus := newMemBus()

	ledger := service.NewLedger(capital, memLockManager{}, nil, bus, logger)
	positions := service.NewPositionService(posStore, ledger, bus, memAuditStore{}, logger)
	edges := service.NewEdgeService(edgeStore, nil, nil, ledger, nil, nil, nil, positions, bus, memAuditStore{}, logger)

	executor := &fakeExitExecutor{}
	limiter := &fakeLimiter{allow: true}
	d := NewDispatcher(signals, positions, edges, executor, limiter, nil, bus,
		Backoff{Base: 5 * time.Second, Max: time.Minute, RateLimitBase: 30 * time.Second},
		DispatcherConfig{
			PollInterval: 10 * time.Millisecond,
			MaxAttempts:  5,
			BatchSize:    10,
			CallTimeout:  time.Second,
			RateLimit:    0,
			RateWindow:   time.Second,
		},
		logger,
	)
	return &dispatcherFixture{
		signals:    signals,
		posStore:   posStore,
		capital:    capital,
		edgeStore:  edgeStore,
		bus:        bus,
		executor:   executor,
		limiter:    limiter,
		dispatcher: d,
	}
}

// seedPosition wires the full exit chain: an executed edge, its position with
// a live reservation, and a due stop-loss signal.
func (f *dispatcherFixture) seedPosition(t *testing.T) domain.Position {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.edgeStore.Create(ctx, domain.Edge{
		ID:     "edge-1",
		Status: domain.EdgeExecuted,
	}))
	p := domain.Position{
		ID:                   "pos-1",
		EdgeID:               "edge-1",
		StrategyID:           "strat-1",
		TokenMint:            "mint-1",
		TokenSymbol:          "BONK",
		EntryAmountBase:      1.0,
		EntryTokenAmount:     1000,
		EntryPrice:           0.001,
		RemainingAmountBase:  1.0,
		RemainingTokenAmount: 1000,
		CurrentPrice:         0.001,
		HighWaterMark:        0.001,
		AutoExitEnabled:      true,
		Status:               domain.PositionPendingExit,
		OpenedAt:             now,
	}
	require.NoError(t, f.posStore.Create(ctx, p))
	require.NoError(t, f.capital.Reserve(ctx, domain.CapitalReservation{
		ID:         "res-1",
		PositionID: p.ID,
		StrategyID: p.StrategyID,
		Amount:     1.0,
		CreatedAt:  now,
	}, 10))
	return p
}

func (f *dispatcherFixture) seedSignal(t *testing.T, sig domain.PendingExitSignal) domain.PendingExitSignal {
	t.Helper()
	if sig.ID == "" {
		sig.ID = "sig-1"
	}
	if sig.NextRetryAt.IsZero() {
		sig.NextRetryAt = time.Now().UTC().Add(-time.Second)
	}
	require.NoError(t, f.signals.Upsert(context.Background(), sig))
	return sig
}

func TestDispatchFullExitClosesAndSettles(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})
	f.executor.fill = domain.ExitFill{
		TxSignature: "tx-exit",
		AmountBase:  0.9,
		TokenAmount: 1000,
		Price:       0.0009,
		GasCost:     0.002,
	}

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	assert.Equal(t, 1, f.executor.calls)

	got, err := f.posStore.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.InDelta(t, -0.1, got.RealizedPnL, 1e-9)

	res, err := f.capital.GetByPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Released)

	_, err = f.signals.GetByPosition(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "dispatched signal must leave the queue")

	edge, err := f.edgeStore.GetByID(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeSettled, edge.Status)
	require.NotNil(t, edge.ActualProfit)
	assert.InDelta(t, -0.1, *edge.ActualProfit, 1e-9)
	require.NotNil(t, edge.ActualGas)
	assert.Equal(t, 0.002, *edge.ActualGas)
}

func TestDispatchPartialExitLeavesEdgeOpen(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitTakeProfit,
		ExitFraction: 0.4,
		Urgency:      domain.UrgencyNormal,
	})
	f.executor.fill = domain.ExitFill{
		TxSignature: "tx-exit",
		AmountBase:  0.6,
		TokenAmount: 400,
		Price:       0.0015,
	}

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	got, err := f.posStore.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPartiallyExited, got.Status)
	assert.InDelta(t, 0.6, got.RemainingAmountBase, 1e-9)

	_, err = f.signals.GetByPosition(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	edge, err := f.edgeStore.GetByID(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeExecuted, edge.Status, "edge settles only on full close")
}

func TestDispatchFailureReschedulesWithBackoff(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})
	f.executor.err = fmt.Errorf("relay: %w", domain.ErrExecutionFailed)

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	sig, err := f.signals.GetByPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.FailedAttempts)
	assert.False(t, sig.IsRateLimited)
	assert.False(t, sig.Alerted)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Second), sig.NextRetryAt, time.Second)

	got, err := f.posStore.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.PositionClosed, got.Status)
}

func TestDispatchRateLimitedUsesLongerCurve(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})
	f.executor.err = fmt.Errorf("relay: %w", domain.ErrRateLimited)

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	sig, err := f.signals.GetByPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.FailedAttempts)
	assert.True(t, sig.IsRateLimited)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Second), sig.NextRetryAt, time.Second)
}

func TestDispatchEscalatesAtAttemptCeiling(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:     p.ID,
		Reason:         domain.ExitStopLoss,
		ExitFraction:   1,
		Urgency:        domain.UrgencyHigh,
		FailedAttempts: 4,
	})
	f.executor.err = fmt.Errorf("relay: %w", domain.ErrExecutionFailed)

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	sig, err := f.signals.GetByPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, sig.Alerted)
	assert.Equal(t, 5, sig.FailedAttempts, "the terminal attempt is recorded like any other")
	assert.Equal(t, 1, f.bus.count(domain.ChannelAlerts))
	assert.False(t, sig.Due(time.Now().UTC(), 5), "alerted signal must leave the dispatch set")
}

func TestDispatchThrottleDoesNotChargeAttempt(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})
	f.dispatcher.cfg.RateLimit = 3
	f.limiter.allow = false

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	assert.Equal(t, 0, f.executor.calls)
	sig, err := f.signals.GetByPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sig.FailedAttempts)
	assert.True(t, sig.Due(time.Now().UTC(), 5), "throttled signal stays due for the next poll")
}

func TestDispatchDropsSignalForClosedPosition(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	closed, err := f.posStore.GetByID(ctx, p.ID)
	require.NoError(t, err)
	closed.Status = domain.PositionClosed
	require.NoError(t, f.posStore.Update(ctx, closed))
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	assert.Equal(t, 0, f.executor.calls)
	_, err = f.signals.GetByPosition(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispatchDropsSignalForMissingPosition(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   "pos-gone",
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	assert.Equal(t, 0, f.executor.calls)
	_, err := f.signals.GetByPosition(ctx, "pos-gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispatchApplyFailureEscalatesInsteadOfRetry(t *testing.T) {
	// The exit already hit the chain; retrying the signal would sell the
	// same stake twice.
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitStopLoss,
		ExitFraction: 1,
		Urgency:      domain.UrgencyHigh,
	})
	f.executor.fill = domain.ExitFill{
		TxSignature: "tx-exit",
		AmountBase:  0.9,
		TokenAmount: 1000,
		Price:       0.0009,
	}
	f.posStore.appendExitErr = errors.New("connection reset")

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	assert.Equal(t, 1, f.executor.calls)
	sig, err := f.signals.GetByPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, sig.Alerted)
	assert.Equal(t, 1, sig.FailedAttempts, "stored count matches the attempt the alert reports")
	assert.Equal(t, 1, f.bus.count(domain.ChannelAlerts))
}

func TestDispatchEmergencyExitBypassesThrottle(t *testing.T) {
	f := newDispatcherFixture()
	ctx := context.Background()
	p := f.seedPosition(t)
	f.seedSignal(t, domain.PendingExitSignal{
		PositionID:   p.ID,
		Reason:       domain.ExitManual,
		ExitFraction: 1,
		Urgency:      domain.UrgencyEmergency,
	})
	f.executor.fill = domain.ExitFill{
		TxSignature: "tx-exit",
		AmountBase:  0.9,
		TokenAmount: 1000,
		Price:       0.0009,
	}
	f.dispatcher.cfg.RateLimit = 3
	f.limiter.allow = false

	require.NoError(t, f.dispatcher.DrainOnce(ctx))

	// An emergency exit waits for a limiter slot instead of skipping the
	// cycle the way a throttled normal signal does.
	assert.Equal(t, 1, f.limiter.waitCalls())
	assert.Equal(t, 1, f.executor.calls)
	_, err := f.signals.GetByPosition(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
