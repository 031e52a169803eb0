package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// ExitSignaler accepts exit triggers for durable queueing. Implemented by the
// exit queue; the position manager uses it for forced closes.
type ExitSignaler interface {
	Trigger(ctx context.Context, p domain.Position, t ExitTrigger) error
}

// PositionService tracks holdings from execution through close. All
// remaining-stake arithmetic lives here; stores only persist what it
// computed.
type PositionService struct {
	positions domain.PositionStore
	ledger    *Ledger
	signals   ExitSignaler
	bus       domain.EventBus
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. signals may be set later via
// SetExitSignaler to break the construction cycle with the exit queue.
func NewPositionService(
	positions domain.PositionStore,
	ledger *Ledger,
	bus domain.EventBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		ledger:    ledger,
		bus:       bus,
		audit:     audit,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// SetExitSignaler wires the exit queue in after construction.
func (s *PositionService) SetExitSignaler(sig ExitSignaler) {
	s.signals = sig
}

// Open converts an executed edge's fill into a tracked position. The position
// shares the edge's ID, so the reservation made at approval already points at
// it. The strategy's exit rules are snapshotted; later edits to the strategy
// leave this position untouched.
func (s *PositionService) Open(ctx context.Context, edge domain.Edge, strategy domain.Strategy, fill domain.Fill) (domain.Position, error) {
	now := time.Now().UTC()
	p := domain.Position{
		ID:          edge.ID,
		EdgeID:      edge.ID,
		StrategyID:  strategy.ID,
		Wallet:      strategy.Wallet,
		TokenMint:   edge.TokenMint,
		TokenSymbol: edge.TokenSymbol,

		EntryAmountBase:  fill.AmountBase,
		EntryTokenAmount: fill.TokenAmount,
		EntryPrice:       fill.Price,

		RemainingAmountBase:  fill.AmountBase,
		RemainingTokenAmount: fill.TokenAmount,

		CurrentPrice:  fill.Price,
		HighWaterMark: fill.Price,
		PnLSource:     domain.PnLConfirmed,

		Exit:            strategy.Exit,
		AutoExitEnabled: true,

		Status:    domain.PositionOpen,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	if err := s.positions.Create(ctx, p); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open %s: %w", edge.ID, err)
	}

	s.publish(ctx, domain.EventPositionOpened, map[string]any{
		"position_id": p.ID,
		"strategy_id": p.StrategyID,
		"token_mint":  p.TokenMint,
		"entry_base":  p.EntryAmountBase,
		"entry_price": p.EntryPrice,
	})
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", p.ID),
		slog.String("token", p.TokenSymbol),
		slog.Float64("amount_base", p.EntryAmountBase),
	)
	return p, nil
}

// MarkPrice folds a fresh price into the position: current price, high-water
// mark, and unrealized P&L against the remaining stake. The updated position
// is returned for exit evaluation.
func (s *PositionService) MarkPrice(ctx context.Context, p domain.Position, price float64) (domain.Position, error) {
	if price <= 0 {
		return p, fmt.Errorf("%w: price must be > 0, got %v", domain.ErrValidation, price)
	}
	p.CurrentPrice = price
	p.HighWaterMark = math.Max(p.HighWaterMark, price)
	p.UnrealizedPnL = p.RemainingTokenAmount*price - p.RemainingAmountBase
	p.UpdatedAt = time.Now().UTC()

	if err := s.positions.Update(ctx, p); err != nil {
		return p, fmt.Errorf("position_service: mark price %s: %w", p.ID, err)
	}
	return p, nil
}

// ApplyExitFill folds a confirmed exit fill into the position: records the
// partial exit, shrinks the remaining stake, realizes the slice's P&L, and
// releases the matching share of the capital reservation. When the fill
// consumes the remaining stake (within dust), the position closes.
//
// Remaining never goes below zero and never grows; the cost basis of the
// liquidated tokens is priced at entry, so each slice's P&L is exact and the
// slices sum to the whole.
func (s *PositionService) ApplyExitFill(ctx context.Context, positionID string, reason domain.ExitReason, fill domain.ExitFill) (domain.Position, error) {
	p, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: apply exit %s: %w", positionID, err)
	}
	if p.Status == domain.PositionClosed {
		return p, fmt.Errorf("position_service: apply exit %s: %w: position closed", positionID, domain.ErrValidation)
	}

	tokens := math.Min(fill.TokenAmount, p.RemainingTokenAmount)
	costBasis := p.RemainingAmountBase
	if p.RemainingTokenAmount > 0 {
		costBasis = tokens / p.RemainingTokenAmount * p.RemainingAmountBase
	}
	pnl := fill.AmountBase - costBasis

	now := time.Now().UTC()
	exit := domain.PartialExit{
		ID:          uuid.New().String(),
		PositionID:  p.ID,
		AmountBase:  fill.AmountBase,
		TokenAmount: tokens,
		Price:       fill.Price,
		PnL:         pnl,
		Reason:      reason,
		TxSignature: fill.TxSignature,
		ExitedAt:    now,
	}

	p.RemainingTokenAmount = math.Max(0, p.RemainingTokenAmount-tokens)
	p.RemainingAmountBase = math.Max(0, p.RemainingAmountBase-costBasis)
	p.RealizedPnL += pnl
	p.PartialExits = append(p.PartialExits, exit)
	p.UpdatedAt = now

	closed := p.FullyExited()
	if closed {
		p.RemainingTokenAmount = 0
		p.RemainingAmountBase = 0
		p.UnrealizedPnL = 0
		p.Status = domain.PositionClosed
		p.ClosedAt = &now
		price := fill.Price
		p.ExitPrice = &price
		ev := domain.ExitEvidence{Inferred: fill.Inferred, TxSignature: fill.TxSignature}
		if fill.Inferred {
			at := fill.ObservedAt
			ev.TxSignature = ""
			ev.ObservedAt = &at
		}
		p.ExitEvidence = &ev
		p.PnLSource = ev.Source()
	} else {
		p.Status = domain.PositionPartiallyExited
		p.UnrealizedPnL = p.RemainingTokenAmount*p.CurrentPrice - p.RemainingAmountBase
	}

	if err := s.positions.AppendPartialExit(ctx, p, exit); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: apply exit %s: %w", positionID, err)
	}

	// Capital comes back as the exited share of the entry stake, not the
	// proceeds: profit is not reservable capital.
	if closed {
		if err := s.ledger.Release(ctx, p.ID); err != nil {
			s.logger.ErrorContext(ctx, "release on close failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	} else if err := s.ledger.ReleaseProportional(ctx, p.ID, costBasis); err != nil {
		s.logger.ErrorContext(ctx, "proportional release failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.ledger.RecordTradeOutcome(ctx, p.StrategyID, pnl); err != nil {
		s.logger.ErrorContext(ctx, "record outcome failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	event := domain.EventPositionPartialExit
	if closed {
		event = domain.EventPositionClosed
	}
	s.publish(ctx, event, map[string]any{
		"position_id": p.ID,
		"strategy_id": p.StrategyID,
		"reason":      string(reason),
		"pnl":         pnl,
		"pnl_source":  string(p.PnLSource),
		"remaining":   p.RemainingAmountBase,
	})
	s.logger.InfoContext(ctx, "exit applied",
		slog.String("position_id", p.ID),
		slog.String("reason", string(reason)),
		slog.Float64("pnl", pnl),
		slog.Bool("closed", closed),
	)
	return p, nil
}

// MarkPendingExit flags a position whose exit signal has been queued so the
// monitor stops generating duplicate triggers for it.
func (s *PositionService) MarkPendingExit(ctx context.Context, positionID string) error {
	p, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_service: mark pending exit %s: %w", positionID, err)
	}
	if p.Status == domain.PositionClosed || p.Status == domain.PositionPendingExit {
		return nil
	}
	p.Status = domain.PositionPendingExit
	p.UpdatedAt = time.Now().UTC()
	if err := s.positions.Update(ctx, p); err != nil {
		return fmt.Errorf("position_service: mark pending exit %s: %w", positionID, err)
	}
	return nil
}

// SetAutoExit toggles automatic exit signal generation for one position.
// Monitoring and manual exits continue regardless.
func (s *PositionService) SetAutoExit(ctx context.Context, positionID string, enabled bool) error {
	if err := s.positions.SetAutoExit(ctx, positionID, enabled); err != nil {
		return fmt.Errorf("position_service: set auto exit %s: %w", positionID, err)
	}
	s.auditLog(ctx, "position_auto_exit_set", map[string]any{
		"position_id": positionID,
		"enabled":     enabled,
	})
	return nil
}

// ForceClose queues an emergency full exit for one position, bypassing the
// auto-exit toggle.
func (s *PositionService) ForceClose(ctx context.Context, positionID string) error {
	if s.signals == nil {
		return fmt.Errorf("position_service: force close %s: no exit signaler wired", positionID)
	}
	p, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_service: force close %s: %w", positionID, err)
	}
	if p.Status == domain.PositionClosed {
		return nil
	}
	t := ExitTrigger{
		Reason:   domain.ExitEmergency,
		Fraction: 1,
		Urgency:  domain.UrgencyEmergency,
		Price:    p.CurrentPrice,
	}
	if err := s.signals.Trigger(ctx, p, t); err != nil {
		return fmt.Errorf("position_service: force close %s: %w", positionID, err)
	}
	s.auditLog(ctx, "position_force_close", map[string]any{"position_id": positionID})
	return nil
}

// ForceCloseAll queues emergency exits for every open position. Used by the
// operator kill switch; failures on individual positions are reported
// together rather than aborting the sweep.
func (s *PositionService) ForceCloseAll(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("position_service: force close all: %w", err)
	}
	var failed int
	for _, p := range open {
		if err := s.ForceClose(ctx, p.ID); err != nil {
			failed++
			s.logger.ErrorContext(ctx, "force close failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("position_service: force close all: %d of %d positions failed", failed, len(open))
	}
	return nil
}

// Get returns one position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	p, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns all positions that still hold stake.
func (s *PositionService) ListOpen(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return positions, nil
}

// History returns closed positions for a wallet, newest first.
func (s *PositionService) History(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListHistory(ctx, wallet, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history %s: %w", wallet, err)
	}
	return positions, nil
}

func (s *PositionService) publish(ctx context.Context, event string, payload map[string]any) {
	payload["event"] = event
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, domain.ChannelPositions, data); err != nil {
		s.logger.WarnContext(ctx, "publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
