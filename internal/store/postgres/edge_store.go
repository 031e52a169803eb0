package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// EdgeStore implements domain.EdgeStore using PostgreSQL. Status changes go
// through Transition, which compare-and-swaps on the current status and
// appends to the transition log in the same database transaction.
type EdgeStore struct {
	pool *pgxpool.Pool
}

// NewEdgeStore creates an EdgeStore backed by the given pool.
func NewEdgeStore(pool *pgxpool.Pool) *EdgeStore {
	return &EdgeStore{pool: pool}
}

const edgeSelectCols = `id, strategy_id, edge_type, execution_mode, venue,
	token_mint, token_symbol, atomic, simulation_ref, sim_profit_guaranteed,
	estimated_profit, estimated_gas, actual_profit, actual_gas, size,
	entry_price, max_slippage_bps, risk_score, status, rejection_reason,
	tx_signature, detected_at, expires_at, updated_at`

func scanEdge(row pgx.Row) (domain.Edge, error) {
	var e domain.Edge
	var edgeType, mode, venue, status string
	var expiresAt *time.Time

	err := row.Scan(
		&e.ID, &e.StrategyID, &edgeType, &mode, &venue,
		&e.TokenMint, &e.TokenSymbol, &e.Atomic, &e.SimulationRef, &e.SimulatedProfitGuaranteed,
		&e.EstimatedProfit, &e.EstimatedGas, &e.ActualProfit, &e.ActualGas, &e.Size,
		&e.EntryPrice, &e.MaxSlippageBps, &e.RiskScore, &status, &e.RejectionReason,
		&e.TxSignature, &e.DetectedAt, &expiresAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.Edge{}, err
	}
	e.Type = domain.EdgeType(edgeType)
	e.ExecutionMode = domain.ExecutionMode(mode)
	e.Venue = domain.VenueType(venue)
	e.Status = domain.EdgeStatus(status)
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	return e, nil
}

// Create inserts a new edge in its initial status.
func (s *EdgeStore) Create(ctx context.Context, e domain.Edge) error {
	const query = `
		INSERT INTO edges (
			id, strategy_id, edge_type, execution_mode, venue,
			token_mint, token_symbol, atomic, simulation_ref, sim_profit_guaranteed,
			estimated_profit, estimated_gas, size, entry_price, max_slippage_bps,
			risk_score, status, rejection_reason, detected_at, expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW()
		)`
	var expiresAt *time.Time
	if !e.ExpiresAt.IsZero() {
		expiresAt = &e.ExpiresAt
	}
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.StrategyID, string(e.Type), string(e.ExecutionMode), string(e.Venue),
		e.TokenMint, e.TokenSymbol, e.Atomic, e.SimulationRef, e.SimulatedProfitGuaranteed,
		e.EstimatedProfit, e.EstimatedGas, e.Size, e.EntryPrice, e.MaxSlippageBps,
		e.RiskScore, string(e.Status), e.RejectionReason, e.DetectedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create edge %s: %w", e.ID, err)
	}
	return nil
}

// Transition compare-and-swaps the edge status and appends a transition log
// row atomically. A concurrent transition that already moved the edge causes
// ErrNotFound, so racing callers lose cleanly.
func (s *EdgeStore) Transition(ctx context.Context, id string, from, to domain.EdgeStatus, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: transition edge %s: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE edges SET status = $3, rejection_reason = CASE WHEN $3 IN ('rejected','failed','expired') THEN $4 ELSE rejection_reason END, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("postgres: transition edge %s %s->%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO edge_transitions (edge_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)`,
		id, string(from), string(to), reason); err != nil {
		return fmt.Errorf("postgres: log transition edge %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: transition edge %s: commit: %w", id, err)
	}
	return nil
}

// SetExecution records the fill details once the execution collaborator
// reports submission.
func (s *EdgeStore) SetExecution(ctx context.Context, id string, txSignature string, size, entryPrice float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE edges SET tx_signature = $2, size = $3, entry_price = $4, updated_at = NOW()
		WHERE id = $1`,
		id, txSignature, size, entryPrice)
	if err != nil {
		return fmt.Errorf("postgres: set execution edge %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetSettlement records actual profit and gas. Settlement fields are the only
// mutation allowed on an executed edge.
func (s *EdgeStore) SetSettlement(ctx context.Context, id string, actualProfit, actualGas float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE edges SET actual_profit = $2, actual_gas = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('executed', 'settled')`,
		id, actualProfit, actualGas)
	if err != nil {
		return fmt.Errorf("postgres: set settlement edge %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single edge.
func (s *EdgeStore) GetByID(ctx context.Context, id string) (domain.Edge, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+edgeSelectCols+` FROM edges WHERE id = $1`, id)
	e, err := scanEdge(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Edge{}, domain.ErrNotFound
		}
		return domain.Edge{}, fmt.Errorf("postgres: get edge %s: %w", id, err)
	}
	return e, nil
}

// ListByStatus returns edges in the given status, newest first.
func (s *EdgeStore) ListByStatus(ctx context.Context, status domain.EdgeStatus, opts domain.ListOpts) ([]domain.Edge, error) {
	query := `SELECT ` + edgeSelectCols + ` FROM edges WHERE status = $1 ORDER BY detected_at DESC`
	args := []any{string(status)}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list edges %s: %w", status, err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// ListExpirable returns pre-execution edges whose expiry has passed.
func (s *EdgeStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+edgeSelectCols+` FROM edges
		WHERE status IN ('detected', 'consensus_pending', 'approved')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expirable edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// ListSettledBetween returns edges settled inside [since, until), oldest
// first. Used by the cold archiver.
func (s *EdgeStore) ListSettledBetween(ctx context.Context, since, until time.Time) ([]domain.Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+edgeSelectCols+` FROM edges
		WHERE status = 'settled' AND updated_at >= $1 AND updated_at < $2
		ORDER BY updated_at`, since, until)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// Transitions returns the ordered transition log for an edge.
func (s *EdgeStore) Transitions(ctx context.Context, edgeID string) ([]domain.EdgeTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, edge_id, from_status, to_status, reason, at
		FROM edge_transitions WHERE edge_id = $1 ORDER BY id`, edgeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: edge transitions %s: %w", edgeID, err)
	}
	defer rows.Close()

	var out []domain.EdgeTransition
	for rows.Next() {
		var t domain.EdgeTransition
		var from, to string
		if err := rows.Scan(&t.ID, &t.EdgeID, &from, &to, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("postgres: scan edge transition: %w", err)
		}
		t.From = domain.EdgeStatus(from)
		t.To = domain.EdgeStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func collectEdges(rows pgx.Rows) ([]domain.Edge, error) {
	var out []domain.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.EdgeStore = (*EdgeStore)(nil)
