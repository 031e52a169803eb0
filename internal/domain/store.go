package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StrategyStore persists strategy risk envelopes.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) error
	Update(ctx context.Context, s Strategy) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	ListEnabled(ctx context.Context) ([]Strategy, error)
	List(ctx context.Context, opts ListOpts) ([]Strategy, error)
}

// EdgeStore persists edges and their append-only transition log.
type EdgeStore interface {
	Create(ctx context.Context, e Edge) error
	// Transition moves an edge from one status to another and appends a
	// transition log row in the same transaction. It returns ErrNotFound
	// when the edge is not currently in the expected from status, which
	// makes concurrent transitions lose cleanly instead of double-firing.
	Transition(ctx context.Context, id string, from, to EdgeStatus, reason string) error
	SetExecution(ctx context.Context, id string, txSignature string, size, entryPrice float64) error
	SetSettlement(ctx context.Context, id string, actualProfit, actualGas float64) error
	GetByID(ctx context.Context, id string) (Edge, error)
	ListByStatus(ctx context.Context, status EdgeStatus, opts ListOpts) ([]Edge, error)
	// ListExpirable returns pre-execution edges whose expires_at has passed.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Edge, error)
	Transitions(ctx context.Context, edgeID string) ([]EdgeTransition, error)
}

// ConsensusStore persists consensus rounds for audit.
type ConsensusStore interface {
	Create(ctx context.Context, r ConsensusResult) error
	GetByEdge(ctx context.Context, edgeID string) (ConsensusResult, error)
}

// PositionStore persists positions and their partial exits.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	// AppendPartialExit inserts the partial exit row and applies the
	// remaining-stake decrements and status change atomically.
	AppendPartialExit(ctx context.Context, p Position, exit PartialExit) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListOpenByStrategy(ctx context.Context, strategyID string) ([]Position, error)
	ListHistory(ctx context.Context, wallet string, opts ListOpts) ([]Position, error)
	SetAutoExit(ctx context.Context, id string, enabled bool) error
}

// CapitalStore persists reservations and daily risk stats. Reserve and
// Release carry the serialization guarantees the ledger relies on: Reserve
// locks the strategy row so concurrent callers cannot jointly over-reserve,
// and Release is idempotent.
type CapitalStore interface {
	// Reserve atomically checks the strategy ceiling against the sum of
	// live reservations and inserts the new reservation. It returns
	// ErrCapitalExhausted when the ceiling would be breached and
	// ErrAlreadyExists when the position already holds a live reservation.
	Reserve(ctx context.Context, r CapitalReservation, ceiling float64) error
	// Release marks the position's reservation released. Releasing an
	// already-released or missing reservation is a no-op.
	Release(ctx context.Context, positionID string) error
	// ReleasePartial shrinks the live reservation by amount, flooring at
	// zero.
	ReleasePartial(ctx context.Context, positionID string, amount float64) error
	GetByPosition(ctx context.Context, positionID string) (CapitalReservation, error)
	SumLive(ctx context.Context, strategyID string) (float64, error)

	UpsertDailyStats(ctx context.Context, strategyID string, day time.Time, pnl float64, at time.Time) error
	GetDailyStats(ctx context.Context, strategyID string, day time.Time) (DailyRiskStats, error)
}

// ExitSignalStore persists pending exit signals. The single-active-row-per-
// position constraint lives here.
type ExitSignalStore interface {
	// Upsert inserts the signal or, when the position already has an
	// active signal, replaces its reason, fraction, price, and urgency
	// while preserving the retry bookkeeping.
	Upsert(ctx context.Context, s PendingExitSignal) error
	// ListDue returns dispatchable signals ordered by urgency then age.
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]PendingExitSignal, error)
	// RecordFailure increments failed_attempts and moves next_retry_at
	// forward. next_retry_at never moves backward.
	RecordFailure(ctx context.Context, id string, nextRetry time.Time, rateLimited bool) error
	MarkAlerted(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetByPosition(ctx context.Context, positionID string) (PendingExitSignal, error)
	List(ctx context.Context) ([]PendingExitSignal, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
