package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, wallet, name, execution_mode, venues,
	max_position_size, capital_ceiling, daily_loss_limit, min_profit_bps,
	max_slippage_bps, max_risk_score, require_simulation, max_open_positions,
	consensus_threshold, consensus_quorum, exit_config, enabled,
	created_at, updated_at`

func scanStrategy(row pgx.Row) (domain.Strategy, error) {
	var s domain.Strategy
	var mode string
	var venues []string
	var exitCfg []byte

	err := row.Scan(
		&s.ID, &s.Wallet, &s.Name, &mode, &venues,
		&s.MaxPositionSize, &s.CapitalCeiling, &s.DailyLossLimit, &s.MinProfitBps,
		&s.MaxSlippageBps, &s.MaxRiskScore, &s.RequireSimulation, &s.MaxOpenPositions,
		&s.ConsensusThreshold, &s.ConsensusQuorum, &exitCfg, &s.Enabled,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.ExecutionMode = domain.ExecutionMode(mode)
	for _, v := range venues {
		s.Venues = append(s.Venues, domain.VenueType(v))
	}
	if len(exitCfg) > 0 {
		if err := json.Unmarshal(exitCfg, &s.Exit); err != nil {
			return domain.Strategy{}, fmt.Errorf("decode exit_config: %w", err)
		}
	}
	return s, nil
}

func strategyArgs(s domain.Strategy) ([]any, error) {
	exitCfg, err := json.Marshal(s.Exit)
	if err != nil {
		return nil, fmt.Errorf("encode exit_config: %w", err)
	}
	venues := make([]string, 0, len(s.Venues))
	for _, v := range s.Venues {
		venues = append(venues, string(v))
	}
	return []any{
		s.ID, s.Wallet, s.Name, string(s.ExecutionMode), venues,
		s.MaxPositionSize, s.CapitalCeiling, s.DailyLossLimit, s.MinProfitBps,
		s.MaxSlippageBps, s.MaxRiskScore, s.RequireSimulation, s.MaxOpenPositions,
		s.ConsensusThreshold, s.ConsensusQuorum, exitCfg, s.Enabled,
	}, nil
}

// Create inserts a new strategy.
func (st *StrategyStore) Create(ctx context.Context, s domain.Strategy) error {
	args, err := strategyArgs(s)
	if err != nil {
		return fmt.Errorf("postgres: create strategy %s: %w", s.ID, err)
	}
	const query = `
		INSERT INTO strategies (
			id, wallet, name, execution_mode, venues,
			max_position_size, capital_ceiling, daily_loss_limit, min_profit_bps,
			max_slippage_bps, max_risk_score, require_simulation, max_open_positions,
			consensus_threshold, consensus_quorum, exit_config, enabled,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, NOW(), NOW()
		)`
	if _, err := st.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create strategy %s: %w", s.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a strategy. The enabled flag is
// managed separately through SetEnabled.
func (st *StrategyStore) Update(ctx context.Context, s domain.Strategy) error {
	args, err := strategyArgs(s)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", s.ID, err)
	}
	const query = `
		UPDATE strategies SET
			wallet              = $2,
			name                = $3,
			execution_mode      = $4,
			venues              = $5,
			max_position_size   = $6,
			capital_ceiling     = $7,
			daily_loss_limit    = $8,
			min_profit_bps      = $9,
			max_slippage_bps    = $10,
			max_risk_score      = $11,
			require_simulation  = $12,
			max_open_positions  = $13,
			consensus_threshold = $14,
			consensus_quorum    = $15,
			exit_config         = $16,
			enabled             = $17,
			updated_at          = NOW()
		WHERE id = $1`
	tag, err := st.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetEnabled toggles a strategy without touching its parameters.
func (st *StrategyStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := st.pool.Exec(ctx,
		`UPDATE strategies SET enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("postgres: set strategy %s enabled=%t: %w", id, enabled, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single strategy.
func (st *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	row := st.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id)
	s, err := scanStrategy(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return s, nil
}

// ListEnabled returns all enabled strategies.
func (st *StrategyStore) ListEnabled(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := st.pool.Query(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE enabled = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled strategies: %w", err)
	}
	defer rows.Close()
	return collectStrategies(rows)
}

// List returns strategies with pagination.
func (st *StrategyStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies ORDER BY created_at`
	args := []any{}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}
	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()
	return collectStrategies(rows)
}

func collectStrategies(rows pgx.Rows) ([]domain.Strategy, error) {
	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
