package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// ConsensusStore implements domain.ConsensusStore using PostgreSQL. Per-voter
// verdicts are stored as a JSONB array so the full reasoning survives for
// audit regardless of outcome.
type ConsensusStore struct {
	pool *pgxpool.Pool
}

// NewConsensusStore creates a ConsensusStore backed by the given pool.
func NewConsensusStore(pool *pgxpool.Pool) *ConsensusStore {
	return &ConsensusStore{pool: pool}
}

// voteRow is the JSONB shape of one voter result.
type voteRow struct {
	Voter      string  `json:"voter"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
	Reasoning  string  `json:"reasoning"`
	LatencyMs  int64   `json:"latency_ms"`
	Err        string  `json:"error,omitempty"`
}

// Create inserts a consensus round.
func (s *ConsensusStore) Create(ctx context.Context, r domain.ConsensusResult) error {
	votes := make([]voteRow, 0, len(r.Votes))
	for _, v := range r.Votes {
		votes = append(votes, voteRow{
			Voter:      v.Voter,
			Verdict:    string(v.Verdict),
			Confidence: v.Confidence,
			Weight:     v.Weight,
			Reasoning:  v.Reasoning,
			LatencyMs:  v.Latency.Milliseconds(),
			Err:        v.Err,
		})
	}
	payload, err := json.Marshal(votes)
	if err != nil {
		return fmt.Errorf("postgres: encode votes for edge %s: %w", r.EdgeID, err)
	}

	const query = `
		INSERT INTO consensus_results (
			id, edge_id, votes, weighted_confidence, approved, reasoning, total_latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`
	if _, err := s.pool.Exec(ctx, query,
		r.ID, r.EdgeID, payload, r.WeightedConfidence, r.Approved, r.Reasoning,
		r.TotalLatency.Milliseconds(),
	); err != nil {
		return fmt.Errorf("postgres: create consensus result %s: %w", r.ID, err)
	}
	return nil
}

// GetByEdge returns the consensus round linked to an edge.
func (s *ConsensusStore) GetByEdge(ctx context.Context, edgeID string) (domain.ConsensusResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, edge_id, votes, weighted_confidence, approved, reasoning, total_latency_ms, created_at
		FROM consensus_results WHERE edge_id = $1`, edgeID)

	var r domain.ConsensusResult
	var payload []byte
	var latencyMs int64
	err := row.Scan(&r.ID, &r.EdgeID, &payload, &r.WeightedConfidence, &r.Approved, &r.Reasoning, &latencyMs, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ConsensusResult{}, domain.ErrNotFound
		}
		return domain.ConsensusResult{}, fmt.Errorf("postgres: get consensus for edge %s: %w", edgeID, err)
	}
	r.TotalLatency = time.Duration(latencyMs) * time.Millisecond

	var votes []voteRow
	if err := json.Unmarshal(payload, &votes); err != nil {
		return domain.ConsensusResult{}, fmt.Errorf("postgres: decode votes for edge %s: %w", edgeID, err)
	}
	for _, v := range votes {
		r.Votes = append(r.Votes, domain.VoterResult{
			Voter:      v.Voter,
			Verdict:    domain.Verdict(v.Verdict),
			Confidence: v.Confidence,
			Weight:     v.Weight,
			Reasoning:  v.Reasoning,
			Latency:    time.Duration(v.LatencyMs) * time.Millisecond,
			Err:        v.Err,
		})
	}
	return r, nil
}

var _ domain.ConsensusStore = (*ConsensusStore)(nil)
