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

// PositionStore implements domain.PositionStore using PostgreSQL. Partial
// exits live in their own table and are loaded alongside the position; the
// remaining-stake decrement and the exit row are applied in one transaction.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, edge_id, strategy_id, wallet, token_mint, token_symbol,
	entry_amount_base, entry_token_amount, entry_price,
	remaining_amount_base, remaining_token_amount,
	current_price, high_water_mark, unrealized_pnl, realized_pnl, pnl_source,
	exit_config, auto_exit_enabled, status, opened_at, closed_at,
	exit_price, exit_inferred, exit_tx_signature, exit_observed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var pnlSource, status string
	var exitCfg []byte
	var exitInferred *bool
	var exitTx *string
	var exitObserved *time.Time

	err := row.Scan(
		&p.ID, &p.EdgeID, &p.StrategyID, &p.Wallet, &p.TokenMint, &p.TokenSymbol,
		&p.EntryAmountBase, &p.EntryTokenAmount, &p.EntryPrice,
		&p.RemainingAmountBase, &p.RemainingTokenAmount,
		&p.CurrentPrice, &p.HighWaterMark, &p.UnrealizedPnL, &p.RealizedPnL, &pnlSource,
		&exitCfg, &p.AutoExitEnabled, &status, &p.OpenedAt, &p.ClosedAt,
		&p.ExitPrice, &exitInferred, &exitTx, &exitObserved, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.PnLSource = domain.PnLSource(pnlSource)
	p.Status = domain.PositionStatus(status)
	if len(exitCfg) > 0 {
		if err := json.Unmarshal(exitCfg, &p.Exit); err != nil {
			return domain.Position{}, fmt.Errorf("decode exit_config: %w", err)
		}
	}
	if exitInferred != nil {
		ev := &domain.ExitEvidence{Inferred: *exitInferred}
		if exitTx != nil {
			ev.TxSignature = *exitTx
		}
		ev.ObservedAt = exitObserved
		p.ExitEvidence = ev
	}
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	exitCfg, err := json.Marshal(p.Exit)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: encode exit_config: %w", p.ID, err)
	}
	const query = `
		INSERT INTO positions (
			id, edge_id, strategy_id, wallet, token_mint, token_symbol,
			entry_amount_base, entry_token_amount, entry_price,
			remaining_amount_base, remaining_token_amount,
			current_price, high_water_mark, unrealized_pnl, realized_pnl, pnl_source,
			exit_config, auto_exit_enabled, status, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW()
		)`
	if _, err := s.pool.Exec(ctx, query,
		p.ID, p.EdgeID, p.StrategyID, p.Wallet, p.TokenMint, p.TokenSymbol,
		p.EntryAmountBase, p.EntryTokenAmount, p.EntryPrice,
		p.RemainingAmountBase, p.RemainingTokenAmount,
		p.CurrentPrice, p.HighWaterMark, p.UnrealizedPnL, p.RealizedPnL, string(p.PnLSource),
		exitCfg, p.AutoExitEnabled, string(p.Status), p.OpenedAt,
	); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	var exitInferred *bool
	var exitTx *string
	var exitObserved *time.Time
	if p.ExitEvidence != nil {
		exitInferred = &p.ExitEvidence.Inferred
		if p.ExitEvidence.TxSignature != "" {
			exitTx = &p.ExitEvidence.TxSignature
		}
		exitObserved = p.ExitEvidence.ObservedAt
	}
	const query = `
		UPDATE positions SET
			remaining_amount_base  = $2,
			remaining_token_amount = $3,
			current_price          = $4,
			high_water_mark        = $5,
			unrealized_pnl         = $6,
			realized_pnl           = $7,
			pnl_source             = $8,
			auto_exit_enabled      = $9,
			status                 = $10,
			closed_at              = $11,
			exit_price             = $12,
			exit_inferred          = $13,
			exit_tx_signature      = $14,
			exit_observed_at       = $15,
			updated_at             = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.RemainingAmountBase, p.RemainingTokenAmount,
		p.CurrentPrice, p.HighWaterMark, p.UnrealizedPnL, p.RealizedPnL, string(p.PnLSource),
		p.AutoExitEnabled, string(p.Status), p.ClosedAt, p.ExitPrice,
		exitInferred, exitTx, exitObserved,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendPartialExit inserts the exit row and applies the remaining-stake
// decrement and status change in one transaction. The table's CHECK
// constraint keeps remaining within [0, entry] even under races.
func (s *PositionStore) AppendPartialExit(ctx context.Context, p domain.Position, exit domain.PartialExit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: partial exit %s: begin: %w", p.ID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO partial_exits (id, position_id, amount_base, token_amount, price, pnl, reason, tx_signature, exited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exit.ID, exit.PositionID, exit.AmountBase, exit.TokenAmount,
		exit.Price, exit.PnL, string(exit.Reason), exit.TxSignature, exit.ExitedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert partial exit %s: %w", exit.ID, err)
	}

	var exitInferred *bool
	var exitTx *string
	var exitObserved *time.Time
	if p.ExitEvidence != nil {
		exitInferred = &p.ExitEvidence.Inferred
		if p.ExitEvidence.TxSignature != "" {
			exitTx = &p.ExitEvidence.TxSignature
		}
		exitObserved = p.ExitEvidence.ObservedAt
	}
	tag, err := tx.Exec(ctx, `
		UPDATE positions SET
			remaining_amount_base  = $2,
			remaining_token_amount = $3,
			unrealized_pnl         = $4,
			realized_pnl           = $5,
			pnl_source             = $6,
			status                 = $7,
			closed_at              = $8,
			exit_price             = $9,
			exit_inferred          = $10,
			exit_tx_signature      = $11,
			exit_observed_at       = $12,
			updated_at             = NOW()
		WHERE id = $1`,
		p.ID, p.RemainingAmountBase, p.RemainingTokenAmount,
		p.UnrealizedPnL, p.RealizedPnL, string(p.PnLSource), string(p.Status),
		p.ClosedAt, p.ExitPrice, exitInferred, exitTx, exitObserved,
	)
	if err != nil {
		return fmt.Errorf("postgres: apply partial exit %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: partial exit %s: commit: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a position with its ordered partial exits.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	exits, err := s.partialExits(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}
	p.PartialExits = exits
	return p, nil
}

func (s *PositionStore) partialExits(ctx context.Context, positionID string) ([]domain.PartialExit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, amount_base, token_amount, price, pnl, reason, tx_signature, exited_at
		FROM partial_exits WHERE position_id = $1 ORDER BY exited_at, id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: partial exits %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []domain.PartialExit
	for rows.Next() {
		var ex domain.PartialExit
		var reason string
		if err := rows.Scan(&ex.ID, &ex.PositionID, &ex.AmountBase, &ex.TokenAmount,
			&ex.Price, &ex.PnL, &reason, &ex.TxSignature, &ex.ExitedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan partial exit: %w", err)
		}
		ex.Reason = domain.ExitReason(reason)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ListOpen returns every position still carrying stake.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.listWhere(ctx, `status IN ('open', 'partially_exited', 'pending_exit') ORDER BY opened_at`)
}

// ListOpenByStrategy returns open positions for one strategy.
func (s *PositionStore) ListOpenByStrategy(ctx context.Context, strategyID string) ([]domain.Position, error) {
	return s.listWhere(ctx,
		`status IN ('open', 'partially_exited', 'pending_exit') AND strategy_id = $1 ORDER BY opened_at`,
		strategyID)
}

func (s *PositionStore) listWhere(ctx context.Context, where string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListHistory returns positions for a wallet with pagination and optional
// time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY opened_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position history: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListClosedBetween returns positions closed inside [since, until), oldest
// first. Used by the cold archiver.
func (s *PositionStore) ListClosedBetween(ctx context.Context, since, until time.Time) ([]domain.Position, error) {
	return s.listWhere(ctx,
		`status = 'closed' AND closed_at >= $1 AND closed_at < $2 ORDER BY closed_at`,
		since, until)
}

// SetAutoExit toggles automatic exit signal generation for a position.
func (s *PositionStore) SetAutoExit(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET auto_exit_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("postgres: set auto exit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
