// Package consensus implements the multi-voter approval protocol that gates
// edge execution. Voters are opaque functions returning a structured verdict;
// the engine fans out concurrently, joins against one deadline, and never
// blocks the pipeline on a slow responder.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// Voter is one consensus participant.
type Voter interface {
	// Name identifies the voter in audit records.
	Name() string
	// Weight scales the voter's confidence in the aggregate.
	Weight() float64
	// Vote evaluates the edge. Implementations must honour ctx.
	Vote(ctx context.Context, e domain.Edge) (domain.Verdict, float64, string, error)
}

// Config bounds the fan-out.
type Config struct {
	VoterTimeout    time.Duration // per voter call
	OverallDeadline time.Duration // whole round
}

// Engine runs consensus rounds over a fixed voter set.
type Engine struct {
	voters []Voter
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine with the given voters.
func NewEngine(voters []Voter, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		voters: voters,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "consensus")),
	}
}

// Validate runs one consensus round for the edge. threshold is the weighted
// confidence required to approve; quorum is the fraction of voters that must
// answer. Voters that time out or error are recorded with confidence 0 and
// count against quorum. A missed overall deadline resolves to a rejection
// with reason "consensus_timeout" — never an indefinite wait, never a crash.
func (e *Engine) Validate(ctx context.Context, edge domain.Edge, threshold, quorum float64) domain.ConsensusResult {
	started := time.Now()

	result := domain.ConsensusResult{
		ID:        uuid.New().String(),
		EdgeID:    edge.ID,
		CreatedAt: started.UTC(),
	}
	if len(e.voters) == 0 {
		result.Reasoning = "no voters configured"
		return result
	}

	roundCtx, cancel := context.WithTimeout(ctx, e.cfg.OverallDeadline)
	defer cancel()

	votes := make(chan domain.VoterResult, len(e.voters))
	for _, v := range e.voters {
		go func(v Voter) {
			votes <- e.callVoter(roundCtx, v, edge)
		}(v)
	}

	deadlineMissed := false
	collected := make([]domain.VoterResult, 0, len(e.voters))
	for range e.voters {
		select {
		case vr := <-votes:
			collected = append(collected, vr)
		case <-roundCtx.Done():
			deadlineMissed = true
		}
		if deadlineMissed {
			break
		}
	}

	// Voters that never answered before the deadline are recorded as such.
	answered := make(map[string]bool, len(collected))
	for _, vr := range collected {
		answered[vr.Voter] = true
	}
	for _, v := range e.voters {
		if !answered[v.Name()] {
			collected = append(collected, domain.VoterResult{
				Voter:   v.Name(),
				Verdict: domain.VerdictAbstain,
				Weight:  v.Weight(),
				Err:     "deadline exceeded",
				Latency: time.Since(started),
			})
		}
	}
	result.Votes = collected
	result.TotalLatency = time.Since(started)

	var weightSum, confSum float64
	answeredCount := 0
	for _, vr := range collected {
		weightSum += vr.Weight
		if vr.Answered() {
			answeredCount++
			confSum += vr.Weight * vr.Confidence
		}
	}
	if weightSum > 0 {
		result.WeightedConfidence = confSum / weightSum
	}

	quorumMet := float64(answeredCount)/float64(len(e.voters)) >= quorum

	switch {
	case deadlineMissed && !quorumMet:
		result.Reasoning = "consensus_timeout"
	case !quorumMet:
		result.Reasoning = fmt.Sprintf("quorum not met: %d/%d answered", answeredCount, len(e.voters))
	case result.WeightedConfidence >= threshold:
		result.Approved = true
		result.Reasoning = summarize(collected)
	default:
		result.Reasoning = fmt.Sprintf("weighted confidence %.3f below threshold %.3f", result.WeightedConfidence, threshold)
	}

	e.logger.InfoContext(ctx, "consensus round complete",
		slog.String("edge_id", edge.ID),
		slog.Bool("approved", result.Approved),
		slog.Float64("weighted_confidence", result.WeightedConfidence),
		slog.Int("answered", answeredCount),
		slog.Int("voters", len(e.voters)),
		slog.Duration("latency", result.TotalLatency),
	)
	return result
}

// callVoter invokes one voter under its own timeout and converts panics-free
// failures into a zero-confidence result.
func (e *Engine) callVoter(ctx context.Context, v Voter, edge domain.Edge) domain.VoterResult {
	voterCtx, cancel := context.WithTimeout(ctx, e.cfg.VoterTimeout)
	defer cancel()

	started := time.Now()
	verdict, confidence, reasoning, err := v.Vote(voterCtx, edge)
	vr := domain.VoterResult{
		Voter:   v.Name(),
		Weight:  v.Weight(),
		Latency: time.Since(started),
	}
	if err != nil {
		vr.Verdict = domain.VerdictAbstain
		vr.Err = err.Error()
		return vr
	}
	vr.Verdict = verdict
	vr.Confidence = confidence
	vr.Reasoning = reasoning
	return vr
}

// summarize joins the answered voters' reasoning into one audit line.
func summarize(votes []domain.VoterResult) string {
	parts := make([]string, 0, len(votes))
	for _, v := range votes {
		if !v.Answered() || v.Reasoning == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", v.Voter, v.Reasoning))
	}
	if len(parts) == 0 {
		return "approved by weighted confidence"
	}
	return strings.Join(parts, "; ")
}
