package domain

import "time"

// Verdict is a single voter's recommendation.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictAbstain Verdict = "abstain"
)

// VoterResult is one voter's structured answer. Voters that time out or error
// are recorded with confidence 0 so the audit trail shows who failed to answer.
type VoterResult struct {
	Voter      string
	Verdict    Verdict
	Confidence float64 // 0..1
	Weight     float64
	Reasoning  string
	Latency    time.Duration
	Err        string // empty on success
}

// Answered reports whether the voter produced a usable verdict.
func (r VoterResult) Answered() bool {
	return r.Err == ""
}

// ConsensusResult is the aggregate of one consensus round over an edge.
// Consensus is advisory input to the edge transition, never a blocking oracle.
type ConsensusResult struct {
	ID                 string
	EdgeID             string
	Votes              []VoterResult
	WeightedConfidence float64
	Approved           bool
	Reasoning          string
	TotalLatency       time.Duration
	CreatedAt          time.Time
}
