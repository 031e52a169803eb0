package consensus

import (
	"context"
	"fmt"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// Built-in voters. External voters (LLM adjudicators, venue-specific
// analysers) plug in through the same Voter interface; these three cover the
// numeric gates every deployment wants.

// ProfitVoter scores the edge's estimated net profit against its size. Thin
// edges get low confidence rather than outright rejection: a disagreeing
// majority can still carry them.
type ProfitVoter struct {
	// MinNetBps is the net profit (bps of size) at which confidence
	// saturates toward 1.
	MinNetBps float64
	W         float64
}

func (v ProfitVoter) Name() string    { return "profit" }
func (v ProfitVoter) Weight() float64 { return v.W }

func (v ProfitVoter) Vote(_ context.Context, e domain.Edge) (domain.Verdict, float64, string, error) {
	net := e.EstimatedProfit - e.EstimatedGas
	if e.Size <= 0 {
		return domain.VerdictAbstain, 0, "edge has no size", nil
	}
	netBps := net / e.Size * 10_000
	if netBps <= 0 {
		return domain.VerdictReject, 0, fmt.Sprintf("net %.1f bps", netBps), nil
	}
	floor := v.MinNetBps
	if floor <= 0 {
		floor = 50
	}
	conf := netBps / (netBps + floor)
	return domain.VerdictApprove, conf, fmt.Sprintf("net %.1f bps", netBps), nil
}

// RiskVoter converts the scanner's risk score into confidence: score 0 is
// full confidence, score at or above the ceiling is a rejection.
type RiskVoter struct {
	// MaxScore is the score at which confidence reaches zero.
	MaxScore float64
	W        float64
}

func (v RiskVoter) Name() string    { return "risk" }
func (v RiskVoter) Weight() float64 { return v.W }

func (v RiskVoter) Vote(_ context.Context, e domain.Edge) (domain.Verdict, float64, string, error) {
	ceiling := v.MaxScore
	if ceiling <= 0 {
		ceiling = 100
	}
	if e.RiskScore >= ceiling {
		return domain.VerdictReject, 0, fmt.Sprintf("risk score %.1f at ceiling", e.RiskScore), nil
	}
	conf := 1 - e.RiskScore/ceiling
	return domain.VerdictApprove, conf, fmt.Sprintf("risk score %.1f", e.RiskScore), nil
}

// SimulationVoter trusts the dry run: a guaranteed-profit simulation is a
// strong approve, a missing or unprofitable one a strong reject. Edges that
// skipped simulation get an abstain so the voter does not punish strategies
// that opted out.
type SimulationVoter struct {
	W float64
}

func (v SimulationVoter) Name() string    { return "simulation" }
func (v SimulationVoter) Weight() float64 { return v.W }

func (v SimulationVoter) Vote(_ context.Context, e domain.Edge) (domain.Verdict, float64, string, error) {
	if e.SimulationRef == "" {
		return domain.VerdictAbstain, 0, "no simulation", nil
	}
	if e.SimulatedProfitGuaranteed {
		return domain.VerdictApprove, 0.95, "simulation guarantees profit", nil
	}
	return domain.VerdictReject, 0, "simulation not profitable", nil
}
