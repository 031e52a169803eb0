package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// ExitSignalStore implements domain.ExitSignalStore using PostgreSQL. The
// UNIQUE constraint on position_id is what serializes exit evaluation and
// dispatch per position.
type ExitSignalStore struct {
	pool *pgxpool.Pool
}

// NewExitSignalStore creates an ExitSignalStore backed by the given pool.
func NewExitSignalStore(pool *pgxpool.Pool) *ExitSignalStore {
	return &ExitSignalStore{pool: pool}
}

const exitSignalSelectCols = `id, position_id, reason, exit_fraction, trigger_price,
	urgency, failed_attempts, next_retry_at, is_rate_limited, alerted,
	created_at, updated_at`

func scanExitSignal(row pgx.Row) (domain.PendingExitSignal, error) {
	var sig domain.PendingExitSignal
	var reason, urgency string
	err := row.Scan(
		&sig.ID, &sig.PositionID, &reason, &sig.ExitFraction, &sig.TriggerPrice,
		&urgency, &sig.FailedAttempts, &sig.NextRetryAt, &sig.IsRateLimited, &sig.Alerted,
		&sig.CreatedAt, &sig.UpdatedAt,
	)
	if err != nil {
		return domain.PendingExitSignal{}, err
	}
	sig.Reason = domain.ExitReason(reason)
	sig.Urgency = domain.ExitUrgency(urgency)
	return sig, nil
}

// Upsert inserts the signal or replaces the trigger fields of the position's
// existing signal. Retry bookkeeping (failed_attempts, next_retry_at) is
// preserved on replace so a re-trigger cannot reset the backoff clock, except
// that an emergency trigger becomes dispatchable immediately.
func (s *ExitSignalStore) Upsert(ctx context.Context, sig domain.PendingExitSignal) error {
	const query = `
		INSERT INTO pending_exit_signals (
			id, position_id, reason, exit_fraction, trigger_price, urgency,
			failed_attempts, next_retry_at, is_rate_limited, alerted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, FALSE, FALSE, NOW(), NOW())
		ON CONFLICT (position_id) DO UPDATE SET
			reason        = EXCLUDED.reason,
			exit_fraction = EXCLUDED.exit_fraction,
			trigger_price = EXCLUDED.trigger_price,
			urgency       = EXCLUDED.urgency,
			next_retry_at = CASE WHEN EXCLUDED.urgency = 'emergency'
				THEN EXCLUDED.next_retry_at
				ELSE GREATEST(pending_exit_signals.next_retry_at, EXCLUDED.next_retry_at) END,
			alerted       = CASE WHEN EXCLUDED.urgency = 'emergency'
				THEN FALSE ELSE pending_exit_signals.alerted END,
			updated_at    = NOW()`
	if _, err := s.pool.Exec(ctx, query,
		sig.ID, sig.PositionID, string(sig.Reason), sig.ExitFraction,
		sig.TriggerPrice, string(sig.Urgency), sig.NextRetryAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert exit signal %s: %w", sig.PositionID, err)
	}
	return nil
}

// ListDue returns dispatchable signals ordered by urgency then age.
func (s *ExitSignalStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.PendingExitSignal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+exitSignalSelectCols+` FROM pending_exit_signals
		WHERE alerted = FALSE AND failed_attempts < $2 AND next_retry_at <= $1
		ORDER BY CASE urgency
			WHEN 'emergency' THEN 0
			WHEN 'high' THEN 1
			ELSE 2 END,
			next_retry_at
		LIMIT $3`, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due exit signals: %w", err)
	}
	defer rows.Close()
	return collectExitSignals(rows)
}

// RecordFailure increments failed_attempts and moves next_retry_at forward.
// GREATEST keeps next_retry_at monotonically non-decreasing.
func (s *ExitSignalStore) RecordFailure(ctx context.Context, id string, nextRetry time.Time, rateLimited bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_exit_signals SET
			failed_attempts = failed_attempts + 1,
			next_retry_at   = GREATEST(next_retry_at, $2),
			is_rate_limited = $3,
			updated_at      = NOW()
		WHERE id = $1`, id, nextRetry, rateLimited)
	if err != nil {
		return fmt.Errorf("postgres: record exit failure %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkAlerted flags a signal that exhausted its retry ceiling. It stays in
// the table so the position surfaces as a distinct alert state, never
// silently "open".
func (s *ExitSignalStore) MarkAlerted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_exit_signals SET alerted = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark exit signal alerted %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a signal after confirmed execution.
func (s *ExitSignalStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pending_exit_signals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete exit signal %s: %w", id, err)
	}
	return nil
}

// GetByPosition returns the position's active signal.
func (s *ExitSignalStore) GetByPosition(ctx context.Context, positionID string) (domain.PendingExitSignal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+exitSignalSelectCols+` FROM pending_exit_signals WHERE position_id = $1`,
		positionID)
	sig, err := scanExitSignal(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PendingExitSignal{}, domain.ErrNotFound
		}
		return domain.PendingExitSignal{}, fmt.Errorf("postgres: get exit signal %s: %w", positionID, err)
	}
	return sig, nil
}

// List returns all pending signals, alerted ones included.
func (s *ExitSignalStore) List(ctx context.Context) ([]domain.PendingExitSignal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitSignalSelectCols+` FROM pending_exit_signals ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit signals: %w", err)
	}
	defer rows.Close()
	return collectExitSignals(rows)
}

func collectExitSignals(rows pgx.Rows) ([]domain.PendingExitSignal, error) {
	var out []domain.PendingExitSignal
	for rows.Next() {
		sig, err := scanExitSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan exit signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

var _ domain.ExitSignalStore = (*ExitSignalStore)(nil)
