package domain

import (
	"fmt"
	"time"
)

// ExecutionMode controls how much human oversight a strategy requires before
// an edge may be executed.
type ExecutionMode string

const (
	// ModeManual requires an operator to approve every edge.
	ModeManual ExecutionMode = "manual"
	// ModeConsensus gates execution on the multi-voter consensus protocol.
	ModeConsensus ExecutionMode = "consensus"
	// ModeAutonomous executes low-risk edges on a numeric gate alone.
	ModeAutonomous ExecutionMode = "autonomous"
)

// VenueType identifies a class of trading venue a strategy may trade on.
type VenueType string

const (
	VenueAMM       VenueType = "amm"
	VenueCLOB      VenueType = "clob"
	VenueAggregate VenueType = "aggregator"
	VenueLaunchpad VenueType = "launchpad"
)

// ExitConfig holds the exit rules applied to a position. A copy is taken from
// the strategy at entry so later strategy edits never alter an open position.
type ExitConfig struct {
	StopLossPct float64       // fraction below entry price, e.g. 0.20
	TakeProfits []TakeProfit  // partial take-profit ladder, ascending
	TimeLimit   time.Duration // zero means no time-based exit
	TrailingPct float64       // drawdown from high-water mark, zero disables
}

// TakeProfit is one rung of the partial take-profit ladder: once price gains
// PricePct over entry, ExitFraction of the remaining stake is liquidated.
type TakeProfit struct {
	PricePct     float64
	ExitFraction float64
}

// Strategy is a per-wallet risk envelope. Strategies are soft-deactivated and
// never deleted while positions still reference them.
type Strategy struct {
	ID            string
	Wallet        string
	Name          string
	ExecutionMode ExecutionMode
	Venues        []VenueType

	// Capital and risk ceilings.
	MaxPositionSize   float64 // SOL, per position
	CapitalCeiling    float64 // SOL, sum of live reservations
	DailyLossLimit    float64 // SOL of realized loss per calendar day
	MinProfitBps      float64
	MaxSlippageBps    float64
	MaxRiskScore      float64 // 0..100
	RequireSimulation bool
	MaxOpenPositions  int

	// Consensus gate.
	ConsensusThreshold float64 // weighted confidence required, 0..1
	ConsensusQuorum    float64 // fraction of voters that must answer, 0..1

	// Defaults snapshotted onto positions at entry.
	Exit ExitConfig

	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks parameter ranges. It is called on create and update, before
// anything is persisted.
func (s Strategy) Validate() error {
	if s.Wallet == "" {
		return fmt.Errorf("%w: wallet is required", ErrValidation)
	}
	if s.MaxPositionSize <= 0 {
		return fmt.Errorf("%w: max_position_size must be > 0, got %v", ErrValidation, s.MaxPositionSize)
	}
	if s.CapitalCeiling <= 0 {
		return fmt.Errorf("%w: capital_ceiling must be > 0, got %v", ErrValidation, s.CapitalCeiling)
	}
	if s.DailyLossLimit < 0 {
		return fmt.Errorf("%w: daily_loss_limit must be >= 0, got %v", ErrValidation, s.DailyLossLimit)
	}
	if s.MaxRiskScore < 0 || s.MaxRiskScore > 100 {
		return fmt.Errorf("%w: max_risk_score must be in [0,100], got %v", ErrValidation, s.MaxRiskScore)
	}
	if s.ConsensusThreshold < 0 || s.ConsensusThreshold > 1 {
		return fmt.Errorf("%w: consensus_threshold must be in [0,1], got %v", ErrValidation, s.ConsensusThreshold)
	}
	if s.ConsensusQuorum < 0 || s.ConsensusQuorum > 1 {
		return fmt.Errorf("%w: consensus_quorum must be in [0,1], got %v", ErrValidation, s.ConsensusQuorum)
	}
	if s.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: max_open_positions must be >= 0, got %d", ErrValidation, s.MaxOpenPositions)
	}
	switch s.ExecutionMode {
	case ModeManual, ModeConsensus, ModeAutonomous:
	default:
		return fmt.Errorf("%w: unknown execution mode %q", ErrValidation, s.ExecutionMode)
	}
	for i, tp := range s.Exit.TakeProfits {
		if tp.ExitFraction <= 0 || tp.ExitFraction > 1 {
			return fmt.Errorf("%w: take_profit[%d] exit_fraction must be in (0,1], got %v", ErrValidation, i, tp.ExitFraction)
		}
		if tp.PricePct <= 0 {
			return fmt.Errorf("%w: take_profit[%d] price_pct must be > 0, got %v", ErrValidation, i, tp.PricePct)
		}
	}
	if s.Exit.StopLossPct < 0 || s.Exit.StopLossPct >= 1 {
		return fmt.Errorf("%w: stop_loss_pct must be in [0,1), got %v", ErrValidation, s.Exit.StopLossPct)
	}
	return nil
}

// AllowsVenue reports whether the strategy may trade on the given venue type.
// An empty venue list means all venues are allowed.
func (s Strategy) AllowsVenue(v VenueType) bool {
	if len(s.Venues) == 0 {
		return true
	}
	for _, allowed := range s.Venues {
		if allowed == v {
			return true
		}
	}
	return false
}
