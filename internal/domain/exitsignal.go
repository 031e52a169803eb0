package domain

import "time"

// ExitReason names the trigger that produced an exit signal.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTimeLimit    ExitReason = "time_limit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitEmergency    ExitReason = "emergency"
	ExitManual       ExitReason = "manual"
)

// ExitUrgency orders dispatch when multiple signals are due.
type ExitUrgency string

const (
	UrgencyNormal    ExitUrgency = "normal"
	UrgencyHigh      ExitUrgency = "high"
	UrgencyEmergency ExitUrgency = "emergency"
)

// PendingExitSignal is a durable exit instruction. At most one active row
// exists per position (uniqueness enforced by the store); a new trigger
// replaces reason, urgency, fraction, and price rather than duplicating.
// Rows are deleted only on confirmed execution, so the queue is the
// at-least-once delivery guarantee for closing out risk.
type PendingExitSignal struct {
	ID           string
	PositionID   string
	Reason       ExitReason
	ExitFraction float64 // fraction of the remaining stake, (0,1]
	TriggerPrice float64
	Urgency      ExitUrgency

	FailedAttempts int
	NextRetryAt    time.Time
	IsRateLimited  bool

	// Alerted marks a signal that exhausted its retry ceiling and has been
	// escalated to the operator. It is excluded from dispatch but kept so
	// the position never silently reverts to looking healthy.
	Alerted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the signal should be dispatched now.
func (s PendingExitSignal) Due(now time.Time, maxAttempts int) bool {
	return !s.Alerted && s.FailedAttempts < maxAttempts && !s.NextRetryAt.After(now)
}
