package domain

import "time"

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "open"
	PositionPartiallyExited PositionStatus = "partially_exited"
	PositionPendingExit     PositionStatus = "pending_exit"
	PositionClosed          PositionStatus = "closed"
)

// PnLSource records how a realized P&L figure was established.
type PnLSource string

const (
	// PnLConfirmed means the close was verified against an on-chain
	// transaction signature.
	PnLConfirmed PnLSource = "confirmed"
	// PnLEstimated means the close was inferred from a wallet balance
	// delta and carries degraded confidence.
	PnLEstimated PnLSource = "estimated"
)

// ExitEvidence distinguishes a verified on-chain close from one deduced only
// by observing a balance change. Exactly one of TxSignature / ObservedAt is
// meaningful, keyed by Inferred.
type ExitEvidence struct {
	Inferred    bool
	TxSignature string     // set when Inferred is false
	ObservedAt  *time.Time // set when Inferred is true
}

// Source returns the PnLSource corresponding to the evidence.
func (e ExitEvidence) Source() PnLSource {
	if e.Inferred {
		return PnLEstimated
	}
	return PnLConfirmed
}

// PartialExit is one fractional liquidation of a position's remaining stake.
// The list on a position is ordered by ExitedAt.
type PartialExit struct {
	ID          string
	PositionID  string
	AmountBase  float64 // SOL returned
	TokenAmount float64 // tokens liquidated
	Price       float64
	PnL         float64
	Reason      ExitReason
	TxSignature string
	ExitedAt    time.Time
}

// Position is the tracked holding from execution through close. Remaining
// fields are distinct from entry fields: unrealized P&L is computed against
// the remaining stake so a partial exit shrinks subsequent P&L instead of
// overstating it.
type Position struct {
	ID          string
	EdgeID      string
	StrategyID  string
	Wallet      string
	TokenMint   string
	TokenSymbol string

	EntryAmountBase  float64 // SOL spent at entry
	EntryTokenAmount float64
	EntryPrice       float64

	RemainingAmountBase  float64
	RemainingTokenAmount float64

	CurrentPrice  float64
	HighWaterMark float64
	UnrealizedPnL float64
	RealizedPnL   float64
	PnLSource     PnLSource

	// Exit holds the rules snapshotted from the strategy at entry. Later
	// strategy edits never alter it.
	Exit ExitConfig

	// AutoExitEnabled suppresses automatic exit signal generation when
	// false. Monitoring continues either way.
	AutoExitEnabled bool

	PartialExits []PartialExit

	Status       PositionStatus
	OpenedAt     time.Time
	ClosedAt     *time.Time
	ExitPrice    *float64
	ExitEvidence *ExitEvidence
	UpdatedAt    time.Time
}

// remainingDust is the threshold below which a remaining stake is treated as
// fully exited. Venue fills round, so exact zero is not reachable.
const remainingDust = 1e-9

// FullyExited reports whether the remaining stake has been reduced to dust.
func (p Position) FullyExited() bool {
	return p.RemainingAmountBase <= remainingDust
}

// ExitedFraction returns the fraction of the entry stake already liquidated.
func (p Position) ExitedFraction() float64 {
	if p.EntryAmountBase <= 0 {
		return 0
	}
	return 1 - p.RemainingAmountBase/p.EntryAmountBase
}
