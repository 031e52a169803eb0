package exitqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
	"github.com/arbfarm/arbfarm/internal/notify"
	"github.com/arbfarm/arbfarm/internal/service"
)

// DispatcherConfig tunes the drain loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
	CallTimeout  time.Duration
	RateLimit    int
	RateWindow   time.Duration
}

// Dispatcher drains due exit signals against the execution client. Signals
// are dispatched in urgency order; failures reschedule with exponential
// backoff, and a signal that exhausts its retry ceiling is escalated to the
// operator instead of being dropped.
type Dispatcher struct {
	signals   domain.ExitSignalStore
	positions *service.PositionService
	edges     *service.EdgeService
	executor  domain.ExecutionClient
	limiter   domain.RateLimiter
	notifier  *notify.Notifier
	bus       domain.EventBus
	backoff   Backoff
	cfg       DispatcherConfig
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	signals domain.ExitSignalStore,
	positions *service.PositionService,
	edges *service.EdgeService,
	executor domain.ExecutionClient,
	limiter domain.RateLimiter,
	notifier *notify.Notifier,
	bus domain.EventBus,
	backoff Backoff,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		signals:   signals,
		positions: positions,
		edges:     edges,
		executor:  executor,
		limiter:   limiter,
		notifier:  notifier,
		bus:       bus,
		backoff:   backoff,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "exit_dispatcher")),
	}
}

// Run polls for due signals until the context is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "exit dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("max_attempts", d.cfg.MaxAttempts),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.ErrorContext(ctx, "drain failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// DrainOnce dispatches one batch of due signals.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	due, err := d.signals.ListDue(ctx, time.Now().UTC(), d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("exitqueue: list due: %w", err)
	}
	for _, sig := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.dispatch(ctx, sig)
	}
	return nil
}

// dispatch attempts one signal end to end. All outcomes are terminal for this
// cycle: delete on success, reschedule on failure, escalate at the ceiling.
func (d *Dispatcher) dispatch(ctx context.Context, sig domain.PendingExitSignal) {
	p, err := d.positions.Get(ctx, sig.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.deleteSignal(ctx, sig, "position missing")
			return
		}
		d.logger.ErrorContext(ctx, "load position failed",
			slog.String("position_id", sig.PositionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if p.Status == domain.PositionClosed {
		d.deleteSignal(ctx, sig, "position already closed")
		return
	}

	// Local throttle. A skipped signal stays due for the next poll without
	// being charged a failed attempt. Emergency exits never wait out a poll
	// interval: they block until the limiter grants a slot.
	if d.cfg.RateLimit > 0 {
		if sig.Urgency == domain.UrgencyEmergency {
			if err := d.limiter.Wait(ctx, "executor:exit", d.cfg.RateLimit, d.cfg.RateWindow); err != nil {
				d.logger.WarnContext(ctx, "rate limiter wait failed",
					slog.String("position_id", sig.PositionID),
					slog.String("error", err.Error()),
				)
				return
			}
		} else {
			allowed, err := d.limiter.Allow(ctx, "executor:exit", d.cfg.RateLimit, d.cfg.RateWindow)
			if err != nil {
				d.logger.WarnContext(ctx, "rate limiter check failed",
					slog.String("error", err.Error()),
				)
			} else if !allowed {
				d.logger.DebugContext(ctx, "throttled",
					slog.String("position_id", sig.PositionID),
				)
				return
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	fill, err := d.executor.ExecuteExit(callCtx, p, sig.ExitFraction)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.recordFailure(ctx, sig, err)
		return
	}

	updated, err := d.positions.ApplyExitFill(ctx, p.ID, sig.Reason, fill)
	if err != nil {
		// The exit is on-chain but local state did not apply. Retrying
		// the signal would double-exit, so escalate instead.
		d.escalate(ctx, sig, p, fmt.Errorf("fill %s executed but not applied: %w", fill.TxSignature, err))
		return
	}
	d.deleteSignal(ctx, sig, "dispatched")

	if updated.Status == domain.PositionClosed {
		if err := d.edges.Settle(ctx, updated.EdgeID, updated.RealizedPnL, fill.GasCost); err != nil {
			d.logger.ErrorContext(ctx, "settle failed",
				slog.String("edge_id", updated.EdgeID),
				slog.String("error", err.Error()),
			)
		}
	}
	d.logger.InfoContext(ctx, "exit dispatched",
		slog.String("position_id", p.ID),
		slog.String("reason", string(sig.Reason)),
		slog.String("tx", fill.TxSignature),
		slog.Bool("closed", updated.Status == domain.PositionClosed),
	)
}

// recordFailure reschedules the signal with backoff, or escalates once the
// attempt ceiling is reached.
func (d *Dispatcher) recordFailure(ctx context.Context, sig domain.PendingExitSignal, execErr error) {
	rateLimited := errors.Is(execErr, domain.ErrRateLimited)

	if sig.FailedAttempts+1 >= d.cfg.MaxAttempts {
		d.escalate(ctx, sig, domain.Position{ID: sig.PositionID}, execErr)
		return
	}

	delay := d.backoff.Delay(sig.FailedAttempts, rateLimited)
	nextRetry := time.Now().UTC().Add(delay)
	if err := d.signals.RecordFailure(ctx, sig.ID, nextRetry, rateLimited); err != nil {
		d.logger.ErrorContext(ctx, "record failure failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.WarnContext(ctx, "exit attempt failed",
		slog.String("position_id", sig.PositionID),
		slog.String("reason", string(sig.Reason)),
		slog.Int("attempt", sig.FailedAttempts+1),
		slog.Bool("rate_limited", rateLimited),
		slog.Duration("retry_in", delay),
		slog.String("error", execErr.Error()),
	)
}

// escalate records the terminal attempt, marks the signal alerted, and raises
// a critical operator alert. The signal row stays in place so the position
// keeps reading as pending_exit.
func (d *Dispatcher) escalate(ctx context.Context, sig domain.PendingExitSignal, p domain.Position, cause error) {
	// The failure is recorded first so the stored attempt count matches the
	// count the alert reports.
	if err := d.signals.RecordFailure(ctx, sig.ID, time.Now().UTC(), errors.Is(cause, domain.ErrRateLimited)); err != nil {
		d.logger.ErrorContext(ctx, "record terminal failure failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := d.signals.MarkAlerted(ctx, sig.ID); err != nil {
		d.logger.ErrorContext(ctx, "mark alerted failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	}

	payload, _ := json.Marshal(map[string]any{
		"event":       domain.EventExitRetriesExhausted,
		"position_id": sig.PositionID,
		"reason":      string(sig.Reason),
		"attempts":    sig.FailedAttempts + 1,
		"error":       cause.Error(),
	})
	if err := d.bus.Publish(ctx, domain.ChannelAlerts, payload); err != nil {
		d.logger.WarnContext(ctx, "publish escalation failed",
			slog.String("error", err.Error()),
		)
	}

	if d.notifier != nil {
		body := fmt.Sprintf("Exit for position %s (%s, reason %s) could not be executed after %d attempts: %v. Manual intervention required.",
			sig.PositionID, p.TokenSymbol, sig.Reason, sig.FailedAttempts+1, cause)
		if err := d.notifier.Critical(ctx, domain.EventExitRetriesExhausted, "Exit retries exhausted", body); err != nil {
			d.logger.ErrorContext(ctx, "escalation alert failed",
				slog.String("position_id", sig.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	d.logger.ErrorContext(ctx, "exit escalated to operator",
		slog.String("position_id", sig.PositionID),
		slog.String("reason", string(sig.Reason)),
		slog.String("error", cause.Error()),
	)
}

func (d *Dispatcher) deleteSignal(ctx context.Context, sig domain.PendingExitSignal, note string) {
	if err := d.signals.Delete(ctx, sig.ID); err != nil {
		d.logger.ErrorContext(ctx, "delete signal failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.DebugContext(ctx, "signal removed",
		slog.String("position_id", sig.PositionID),
		slog.String("note", note),
	)
}
