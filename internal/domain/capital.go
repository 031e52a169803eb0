package domain

import "time"

// CapitalReservation earmarks funds against one position so concurrent edge
// evaluations cannot jointly over-allocate a strategy's capital. A
// reservation is released exactly once, on close or abandonment; the store
// enforces at most one live reservation per position.
type CapitalReservation struct {
	ID         string
	StrategyID string
	PositionID string
	Amount     float64 // SOL
	Released   bool
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// DailyRiskStats is the authoritative, persisted record of one calendar day's
// realized outcomes for a strategy. "Has today's loss limit been hit" is
// answered from this row, never from in-memory counters.
type DailyRiskStats struct {
	StrategyID     string
	Date           time.Time // calendar date, UTC midnight
	RealizedProfit float64
	RealizedLoss   float64 // stored as a positive magnitude
	TradeCount     int
	WinCount       int
	LossCount      int
	LastLossAt     *time.Time
	UpdatedAt      time.Time
}

// NetPnL returns profit minus loss for the day.
func (d DailyRiskStats) NetPnL() float64 {
	return d.RealizedProfit - d.RealizedLoss
}
