package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbfarm/arbfarm/internal/domain"
)

type monitorFixture struct {
	monitor  *Monitor
	store    *memPositionStore
	prices   *memPriceCache
	signaler *recordingSignaler
	sigStore *memSignalStore
}

func newMonitorFixture() *monitorFixture {
	store := newMemPositionStore()
	prices := newMemPriceCache()
	signaler := &recordingSignaler{}
	sigStore := newMemSignalStore()
	ledger := NewLedger(newMemCapitalStore(), memLockManager{}, nil, newMemBus(), testLogger())
	positions := NewPositionService(store, ledger, newMemBus(), newMemAuditStore(), testLogger())
	monitor := NewMonitor(positions, prices, signaler, sigStore, time.Second, testLogger())
	return &monitorFixture{
		monitor:  monitor,
		store:    store,
		prices:   prices,
		signaler: signaler,
		sigStore: sigStore,
	}
}

func (f *monitorFixture) seed(t *testing.T, p domain.Position) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), p))
}

func TestMonitorTriggersStopLoss(t *testing.T) {
	f := newMonitorFixture()
	p := openPosition()
	p.TokenMint = "mint-1"
	f.seed(t, p)
	f.prices.prices["mint-1"] = 0.0007

	require.NoError(t, f.monitor.Tick(context.Background()))
	require.Len(t, f.signaler.triggers, 1)
	assert.Equal(t, domain.ExitStopLoss, f.signaler.triggers[0].Reason)

	// The mark was applied before evaluation.
	got, err := f.store.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0007, got.CurrentPrice)
}

func TestMonitorMissingPriceNeverTriggers(t *testing.T) {
	f := newMonitorFixture()
	p := openPosition()
	p.TokenMint = "mint-1"
	p.CurrentPrice = 0.0007 // last mark already below the stop
	f.seed(t, p)

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Empty(t, f.signaler.triggers)

	got, err := f.store.GetByID(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0007, got.CurrentPrice)
}

func TestMonitorUpgradesPendingSignal(t *testing.T) {
	f := newMonitorFixture()
	p := openPosition()
	p.TokenMint = "mint-1"
	p.Status = domain.PositionPendingExit
	f.seed(t, p)

	require.NoError(t, f.sigStore.Upsert(context.Background(), domain.PendingExitSignal{
		ID:         "sig-1",
		PositionID: p.ID,
		Reason:     domain.ExitTakeProfit,
	}))

	// Price collapses while a take-profit signal waits: the stop loss
	// outranks it and replaces the queued instruction.
	f.prices.prices["mint-1"] = 0.0007
	require.NoError(t, f.monitor.Tick(context.Background()))
	require.Len(t, f.signaler.triggers, 1)
	assert.Equal(t, domain.ExitStopLoss, f.signaler.triggers[0].Reason)
}

func TestMonitorDoesNotRequeueEqualOrLowerRank(t *testing.T) {
	f := newMonitorFixture()
	p := openPosition()
	p.TokenMint = "mint-1"
	p.Status = domain.PositionPendingExit
	f.seed(t, p)

	require.NoError(t, f.sigStore.Upsert(context.Background(), domain.PendingExitSignal{
		ID:         "sig-1",
		PositionID: p.ID,
		Reason:     domain.ExitStopLoss,
	}))

	// Same condition still holding: the active signal already covers it.
	f.prices.prices["mint-1"] = 0.0007
	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Empty(t, f.signaler.triggers)
}
