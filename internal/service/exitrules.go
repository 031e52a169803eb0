package service

import (
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// ExitTrigger is the outcome of evaluating a position against its exit rules.
type ExitTrigger struct {
	Reason   domain.ExitReason
	Fraction float64 // fraction of the remaining stake to liquidate
	Urgency  domain.ExitUrgency
	Price    float64 // price that tripped the rule
}

// EvaluateExit checks a marked position against its snapshotted exit rules
// and returns the single highest-priority trigger, if any. The priority is
// fixed: stop loss beats time limit beats trailing stop beats the take-profit
// ladder. Only one signal per position is ever active, so evaluating in
// priority order means a simultaneous stop-loss and take-profit resolves to
// the protective exit.
//
// The function is pure; callers hand the result to the exit queue.
func EvaluateExit(p domain.Position, now time.Time) (ExitTrigger, bool) {
	if !p.AutoExitEnabled {
		return ExitTrigger{}, false
	}
	if p.Status == domain.PositionClosed || p.FullyExited() {
		return ExitTrigger{}, false
	}
	if p.CurrentPrice <= 0 || p.EntryPrice <= 0 {
		return ExitTrigger{}, false
	}

	if p.Exit.StopLossPct > 0 {
		floor := p.EntryPrice * (1 - p.Exit.StopLossPct)
		if p.CurrentPrice <= floor {
			return ExitTrigger{
				Reason:   domain.ExitStopLoss,
				Fraction: 1,
				Urgency:  domain.UrgencyHigh,
				Price:    p.CurrentPrice,
			}, true
		}
	}

	if p.Exit.TimeLimit > 0 && !now.Before(p.OpenedAt.Add(p.Exit.TimeLimit)) {
		return ExitTrigger{
			Reason:   domain.ExitTimeLimit,
			Fraction: 1,
			Urgency:  domain.UrgencyNormal,
			Price:    p.CurrentPrice,
		}, true
	}

	// Trailing stop arms only once the high-water mark clears entry;
	// otherwise it would duplicate the stop loss.
	if p.Exit.TrailingPct > 0 && p.HighWaterMark > p.EntryPrice {
		floor := p.HighWaterMark * (1 - p.Exit.TrailingPct)
		if p.CurrentPrice <= floor {
			return ExitTrigger{
				Reason:   domain.ExitTrailingStop,
				Fraction: 1,
				Urgency:  domain.UrgencyHigh,
				Price:    p.CurrentPrice,
			}, true
		}
	}

	// Next untaken rung of the ladder. Rungs fire in order; each consumed
	// rung is identified by a prior take-profit partial exit.
	if taken := takeProfitCount(p); taken < len(p.Exit.TakeProfits) {
		rung := p.Exit.TakeProfits[taken]
		target := p.EntryPrice * (1 + rung.PricePct)
		if p.CurrentPrice >= target {
			return ExitTrigger{
				Reason:   domain.ExitTakeProfit,
				Fraction: rung.ExitFraction,
				Urgency:  domain.UrgencyNormal,
				Price:    p.CurrentPrice,
			}, true
		}
	}

	return ExitTrigger{}, false
}

func takeProfitCount(p domain.Position) int {
	n := 0
	for _, e := range p.PartialExits {
		if e.Reason == domain.ExitTakeProfit {
			n++
		}
	}
	return n
}
