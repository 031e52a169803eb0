// Package service holds the engine's business services: the strategy
// registry, the capital ledger, the edge lifecycle, and the position manager.
// Services accept store interfaces and publish lifecycle events; persistence
// details stay in the store packages.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// StrategyService is the registry of per-wallet risk envelopes. It is
// consulted before every edge approval and execution.
type StrategyService struct {
	strategies domain.StrategyStore
	positions  domain.PositionStore
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewStrategyService creates a StrategyService.
func NewStrategyService(
	strategies domain.StrategyStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *StrategyService {
	return &StrategyService{
		strategies: strategies,
		positions:  positions,
		audit:      audit,
		logger:     logger.With(slog.String("component", "strategy_service")),
	}
}

// Create validates and persists a new strategy.
func (s *StrategyService) Create(ctx context.Context, strat domain.Strategy) (domain.Strategy, error) {
	if strat.ID == "" {
		strat.ID = uuid.New().String()
	}
	strat.CreatedAt = time.Now().UTC()
	strat.UpdatedAt = strat.CreatedAt
	if err := strat.Validate(); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: create: %w", err)
	}
	if err := s.strategies.Create(ctx, strat); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: create: %w", err)
	}
	s.auditLog(ctx, "strategy_created", map[string]any{
		"strategy_id": strat.ID,
		"wallet":      strat.Wallet,
		"mode":        string(strat.ExecutionMode),
	})
	return strat, nil
}

// Update validates and persists parameter edits. Edits never retroactively
// alter already-open positions: their exit configuration was snapshotted at
// entry.
func (s *StrategyService) Update(ctx context.Context, strat domain.Strategy) error {
	if err := strat.Validate(); err != nil {
		return fmt.Errorf("strategy_service: update: %w", err)
	}
	if err := s.strategies.Update(ctx, strat); err != nil {
		return fmt.Errorf("strategy_service: update %s: %w", strat.ID, err)
	}
	s.auditLog(ctx, "strategy_updated", map[string]any{"strategy_id": strat.ID})
	return nil
}

// Toggle flips the enabled flag. Disabling halts new edge creation for the
// strategy without forcing existing positions to close; they keep being
// monitored and can still exit.
func (s *StrategyService) Toggle(ctx context.Context, id string, enabled bool) error {
	if err := s.strategies.SetEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("strategy_service: toggle %s: %w", id, err)
	}
	s.auditLog(ctx, "strategy_toggled", map[string]any{
		"strategy_id": id,
		"enabled":     enabled,
	})
	s.logger.InfoContext(ctx, "strategy toggled",
		slog.String("strategy_id", id),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// Get returns one strategy.
func (s *StrategyService) Get(ctx context.Context, id string) (domain.Strategy, error) {
	strat, err := s.strategies.GetByID(ctx, id)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: get %s: %w", id, err)
	}
	return strat, nil
}

// ListEnabled returns the strategies eligible for new edges.
func (s *StrategyService) ListEnabled(ctx context.Context) ([]domain.Strategy, error) {
	strategies, err := s.strategies.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("strategy_service: list enabled: %w", err)
	}
	return strategies, nil
}

// Match returns the first enabled strategy able to take the candidate:
// venue allowed, risk score within ceiling, profit above the floor, size
// within the per-position cap, and open-position count below the concurrency
// cap.
func (s *StrategyService) Match(ctx context.Context, cand domain.EdgeCandidate) (domain.Strategy, error) {
	strategies, err := s.strategies.ListEnabled(ctx)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: match: %w", err)
	}
	for _, strat := range strategies {
		if !strat.AllowsVenue(cand.Venue) {
			continue
		}
		if cand.RiskScore > strat.MaxRiskScore {
			continue
		}
		if cand.Size > strat.MaxPositionSize {
			continue
		}
		if strat.MinProfitBps > 0 && cand.Size > 0 {
			profitBps := (cand.EstimatedProfit - cand.EstimatedGas) / cand.Size * 10_000
			if profitBps < strat.MinProfitBps {
				continue
			}
		}
		if strat.MaxOpenPositions > 0 {
			open, err := s.positions.ListOpenByStrategy(ctx, strat.ID)
			if err != nil {
				return domain.Strategy{}, fmt.Errorf("strategy_service: match: open positions: %w", err)
			}
			if len(open) >= strat.MaxOpenPositions {
				continue
			}
		}
		return strat, nil
	}
	return domain.Strategy{}, domain.ErrNotFound
}

func (s *StrategyService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
