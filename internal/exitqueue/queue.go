package exitqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbfarm/arbfarm/internal/domain"
	"github.com/arbfarm/arbfarm/internal/service"
)

// Queue turns exit triggers into durable pending signals. It implements
// service.ExitSignaler.
type Queue struct {
	signals   domain.ExitSignalStore
	positions *service.PositionService
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewQueue creates a Queue.
func NewQueue(
	signals domain.ExitSignalStore,
	positions *service.PositionService,
	bus domain.EventBus,
	logger *slog.Logger,
) *Queue {
	return &Queue{
		signals:   signals,
		positions: positions,
		bus:       bus,
		logger:    logger.With(slog.String("component", "exit_queue")),
	}
}

var _ service.ExitSignaler = (*Queue)(nil)

// Trigger persists the exit signal and flags the position pending_exit. The
// store keeps at most one active signal per position: a second trigger
// replaces the instruction rather than queueing a duplicate, and an emergency
// trigger additionally resets any accumulated backoff so it dispatches
// immediately.
func (q *Queue) Trigger(ctx context.Context, p domain.Position, t service.ExitTrigger) error {
	if t.Fraction <= 0 || t.Fraction > 1 {
		return fmt.Errorf("%w: exit fraction must be in (0,1], got %v", domain.ErrValidation, t.Fraction)
	}
	now := time.Now().UTC()
	sig := domain.PendingExitSignal{
		ID:           uuid.New().String(),
		PositionID:   p.ID,
		Reason:       t.Reason,
		ExitFraction: t.Fraction,
		TriggerPrice: t.Price,
		Urgency:      t.Urgency,
		NextRetryAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.signals.Upsert(ctx, sig); err != nil {
		return fmt.Errorf("exitqueue: trigger %s: %w", p.ID, err)
	}
	if err := q.positions.MarkPendingExit(ctx, p.ID); err != nil {
		q.logger.WarnContext(ctx, "mark pending exit failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	payload, _ := json.Marshal(map[string]any{
		"event":       domain.EventExitSignalQueued,
		"position_id": p.ID,
		"reason":      string(t.Reason),
		"fraction":    t.Fraction,
		"urgency":     string(t.Urgency),
	})
	if err := q.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		q.logger.WarnContext(ctx, "publish failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	q.logger.InfoContext(ctx, "exit signal queued",
		slog.String("position_id", p.ID),
		slog.String("reason", string(t.Reason)),
		slog.String("urgency", string(t.Urgency)),
		slog.Float64("fraction", t.Fraction),
	)
	return nil
}
