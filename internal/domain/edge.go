package domain

import "time"

// EdgeType classifies how an opportunity was detected.
type EdgeType string

const (
	EdgeTypeArbitrage EdgeType = "arbitrage"
	EdgeTypeSnipe     EdgeType = "snipe"
	EdgeTypeMomentum  EdgeType = "momentum"
)

// EdgeStatus is the edge lifecycle state.
type EdgeStatus string

const (
	EdgeDetected         EdgeStatus = "detected"
	EdgeConsensusPending EdgeStatus = "consensus_pending"
	EdgeApproved         EdgeStatus = "approved"
	EdgeRejected         EdgeStatus = "rejected"
	EdgeExecuted         EdgeStatus = "executed"
	EdgeSettled          EdgeStatus = "settled"
	EdgeFailed           EdgeStatus = "failed"
	EdgeExpired          EdgeStatus = "expired"
)

// PreExecution reports whether an edge in this status may still expire or be
// rejected. Executed edges are append-only except for settlement fields.
func (s EdgeStatus) PreExecution() bool {
	switch s {
	case EdgeDetected, EdgeConsensusPending, EdgeApproved:
		return true
	}
	return false
}

// Edge is a detected, potentially profitable opportunity prior to execution.
type Edge struct {
	ID            string
	StrategyID    string
	Type          EdgeType
	ExecutionMode ExecutionMode
	Venue         VenueType
	TokenMint     string
	TokenSymbol   string

	// Atomic edges settle in a single transaction; multi-step edges carry
	// leg risk between fills.
	Atomic bool

	SimulationRef             string
	SimulatedProfitGuaranteed bool

	EstimatedProfit float64 // SOL
	EstimatedGas    float64 // SOL
	ActualProfit    *float64
	ActualGas       *float64
	Size            float64 // SOL committed on execution
	EntryPrice      float64
	// MaxSlippageBps is snapshotted from the strategy at detection and
	// passed to the execution collaborator as the fill price bound.
	MaxSlippageBps float64

	RiskScore       float64 // 0..100
	Status          EdgeStatus
	RejectionReason string
	TxSignature     string

	DetectedAt time.Time
	ExpiresAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the edge's detection window has elapsed.
func (e Edge) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// EdgeTransition is one row of the append-only edge transition log. Replaying
// the log for an edge reproduces its full decision history.
type EdgeTransition struct {
	ID     int64
	EdgeID string
	From   EdgeStatus
	To     EdgeStatus
	Reason string
	At     time.Time
}
