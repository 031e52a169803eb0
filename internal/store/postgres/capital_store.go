package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// CapitalStore implements domain.CapitalStore using PostgreSQL. Reserve takes
// a row lock on the strategy so concurrent callers serialize through the
// database; the partial unique index on live reservations makes
// double-reserving a position impossible.
type CapitalStore struct {
	pool *pgxpool.Pool
}

// NewCapitalStore creates a CapitalStore backed by the given pool.
func NewCapitalStore(pool *pgxpool.Pool) *CapitalStore {
	return &CapitalStore{pool: pool}
}

// Reserve atomically checks the ceiling against the sum of live reservations
// and inserts the new reservation.
func (s *CapitalStore) Reserve(ctx context.Context, r domain.CapitalReservation, ceiling float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: reserve %s: begin: %w", r.PositionID, err)
	}
	defer tx.Rollback(ctx)

	// Lock the strategy row; all reservation math for this strategy happens
	// behind this lock.
	var strategyID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM strategies WHERE id = $1 FOR UPDATE`, r.StrategyID,
	).Scan(&strategyID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: reserve %s: lock strategy: %w", r.PositionID, err)
	}

	var live float64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM capital_reservations
		WHERE strategy_id = $1 AND released = FALSE`, r.StrategyID,
	).Scan(&live)
	if err != nil {
		return fmt.Errorf("postgres: reserve %s: sum live: %w", r.PositionID, err)
	}

	if live+r.Amount > ceiling {
		return fmt.Errorf("%w: live %.4f + requested %.4f exceeds ceiling %.4f",
			domain.ErrCapitalExhausted, live, r.Amount, ceiling)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO capital_reservations (id, strategy_id, position_id, amount, released, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		r.ID, r.StrategyID, r.PositionID, r.Amount, r.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: reserve %s: insert: %w", r.PositionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: reserve %s: commit: %w", r.PositionID, err)
	}
	return nil
}

// Release marks the position's live reservation released. Idempotent: zero
// affected rows means it was already released or never existed, which is not
// an error.
func (s *CapitalStore) Release(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE capital_reservations
		SET released = TRUE, released_at = NOW()
		WHERE position_id = $1 AND released = FALSE`, positionID)
	if err != nil {
		return fmt.Errorf("postgres: release %s: %w", positionID, err)
	}
	return nil
}

// ReleasePartial shrinks the live reservation by amount, flooring at zero.
func (s *CapitalStore) ReleasePartial(ctx context.Context, positionID string, amount float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE capital_reservations
		SET amount = GREATEST(amount - $2, 0)
		WHERE position_id = $1 AND released = FALSE`, positionID, amount)
	if err != nil {
		return fmt.Errorf("postgres: release partial %s: %w", positionID, err)
	}
	return nil
}

// GetByPosition returns the most recent reservation for a position.
func (s *CapitalStore) GetByPosition(ctx context.Context, positionID string) (domain.CapitalReservation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, strategy_id, position_id, amount, released, created_at, released_at
		FROM capital_reservations WHERE position_id = $1
		ORDER BY created_at DESC LIMIT 1`, positionID)

	var r domain.CapitalReservation
	err := row.Scan(&r.ID, &r.StrategyID, &r.PositionID, &r.Amount, &r.Released, &r.CreatedAt, &r.ReleasedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.CapitalReservation{}, domain.ErrNotFound
		}
		return domain.CapitalReservation{}, fmt.Errorf("postgres: get reservation %s: %w", positionID, err)
	}
	return r, nil
}

// SumLive returns the sum of live reservations for a strategy.
func (s *CapitalStore) SumLive(ctx context.Context, strategyID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM capital_reservations
		WHERE strategy_id = $1 AND released = FALSE`, strategyID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum live %s: %w", strategyID, err)
	}
	return sum, nil
}

// UpsertDailyStats folds one realized trade outcome into the strategy's
// calendar-day row.
func (s *CapitalStore) UpsertDailyStats(ctx context.Context, strategyID string, day time.Time, pnl float64, at time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)

	profit, loss := 0.0, 0.0
	win, lossCount := 0, 0
	var lastLoss *time.Time
	if pnl >= 0 {
		profit = pnl
		win = 1
	} else {
		loss = -pnl
		lossCount = 1
		lastLoss = &at
	}

	const query = `
		INSERT INTO daily_risk_stats (
			strategy_id, date, realized_profit, realized_loss,
			trade_count, win_count, loss_count, last_loss_at, updated_at
		) VALUES ($1, $2, $3, $4, 1, $5, $6, $7, NOW())
		ON CONFLICT (strategy_id, date) DO UPDATE SET
			realized_profit = daily_risk_stats.realized_profit + EXCLUDED.realized_profit,
			realized_loss   = daily_risk_stats.realized_loss + EXCLUDED.realized_loss,
			trade_count     = daily_risk_stats.trade_count + 1,
			win_count       = daily_risk_stats.win_count + EXCLUDED.win_count,
			loss_count      = daily_risk_stats.loss_count + EXCLUDED.loss_count,
			last_loss_at    = COALESCE(EXCLUDED.last_loss_at, daily_risk_stats.last_loss_at),
			updated_at      = NOW()`
	if _, err := s.pool.Exec(ctx, query,
		strategyID, day, profit, loss, win, lossCount, lastLoss,
	); err != nil {
		return fmt.Errorf("postgres: upsert daily stats %s: %w", strategyID, err)
	}
	return nil
}

// GetDailyStats returns the stats row for one strategy and calendar day. A
// missing row comes back zero-valued, not as an error.
func (s *CapitalStore) GetDailyStats(ctx context.Context, strategyID string, day time.Time) (domain.DailyRiskStats, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	row := s.pool.QueryRow(ctx, `
		SELECT strategy_id, date, realized_profit, realized_loss,
		       trade_count, win_count, loss_count, last_loss_at, updated_at
		FROM daily_risk_stats WHERE strategy_id = $1 AND date = $2`,
		strategyID, day)

	var d domain.DailyRiskStats
	err := row.Scan(&d.StrategyID, &d.Date, &d.RealizedProfit, &d.RealizedLoss,
		&d.TradeCount, &d.WinCount, &d.LossCount, &d.LastLossAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DailyRiskStats{StrategyID: strategyID, Date: day}, nil
		}
		return domain.DailyRiskStats{}, fmt.Errorf("postgres: get daily stats %s: %w", strategyID, err)
	}
	return d, nil
}

var _ domain.CapitalStore = (*CapitalStore)(nil)
