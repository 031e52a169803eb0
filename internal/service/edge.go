package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbfarm/arbfarm/internal/consensus"
	"github.com/arbfarm/arbfarm/internal/domain"
)

// Rejection reasons recorded on the edge and in the transition log.
const (
	reasonNoStrategy             = "no_matching_strategy"
	reasonExpired                = "expired"
	reasonSimulationError        = "simulation_error"
	reasonSimulationUnprofitable = "simulation_unprofitable"
	reasonCapitalExhausted       = "capital_exhausted"
	reasonDailyLimitBreached     = "daily_limit_breached"
	reasonStrategyDisabled       = "strategy_disabled"
)

// EdgeService owns the edge lifecycle: intake, gating, consensus, capital
// reservation, execution, and settlement. Every status change goes through
// the store's compare-and-swap transition, so two workers racing on the same
// edge cannot both win.
type EdgeService struct {
	edges      domain.EdgeStore
	consensus  domain.ConsensusStore
	strategies *StrategyService
	ledger     *Ledger
	engine     *consensus.Engine
	simulator  domain.Simulator
	executor   domain.ExecutionClient
	positions  *PositionService
	bus        domain.EventBus
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewEdgeService creates an EdgeService.
func NewEdgeService(
	edges domain.EdgeStore,
	consensusStore domain.ConsensusStore,
	strategies *StrategyService,
	ledger *Ledger,
	engine *consensus.Engine,
	simulator domain.Simulator,
	executor domain.ExecutionClient,
	positions *PositionService,
	bus domain.EventBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *EdgeService {
	return &EdgeService{
		edges:      edges,
		consensus:  consensusStore,
		strategies: strategies,
		ledger:     ledger,
		engine:     engine,
		simulator:  simulator,
		executor:   executor,
		positions:  positions,
		bus:        bus,
		audit:      audit,
		logger:     logger.With(slog.String("component", "edge_service")),
	}
}

// ProcessCandidate runs one scanner candidate through the full pipeline.
// Candidates no enabled strategy will take are dropped before an edge is
// created; everything after that point leaves a persistent trail. Rejections
// are returned as nil: the pipeline handled the candidate, the answer was no.
func (s *EdgeService) ProcessCandidate(ctx context.Context, cand domain.EdgeCandidate) error {
	strategy, err := s.strategies.Match(ctx, cand)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "candidate dropped",
				slog.String("token", cand.TokenSymbol),
				slog.String("reason", reasonNoStrategy),
			)
			return nil
		}
		return fmt.Errorf("edge_service: process candidate: %w", err)
	}

	edge := domain.Edge{
		ID:            uuid.New().String(),
		StrategyID:    strategy.ID,
		Type:          cand.Type,
		ExecutionMode: strategy.ExecutionMode,
		Venue:         cand.Venue,
		TokenMint:     cand.TokenMint,
		TokenSymbol:   cand.TokenSymbol,
		Atomic:        cand.Atomic,

		EstimatedProfit: cand.EstimatedProfit,
		EstimatedGas:    cand.EstimatedGas,
		Size:            cand.Size,
		EntryPrice:      cand.EntryPrice,
		MaxSlippageBps:  strategy.MaxSlippageBps,
		RiskScore:       cand.RiskScore,

		Status:     domain.EdgeDetected,
		DetectedAt: cand.DetectedAt,
		ExpiresAt:  cand.ExpiresAt,
	}
	if edge.DetectedAt.IsZero() {
		edge.DetectedAt = time.Now().UTC()
	}

	// Simulation runs before the edge is persisted so its outcome rides
	// along in the insert; the store has no later mutation for it.
	if strategy.RequireSimulation {
		sim, err := s.simulator.Simulate(ctx, edge)
		if err != nil {
			s.logger.WarnContext(ctx, "simulation failed",
				slog.String("token", edge.TokenSymbol),
				slog.String("error", err.Error()),
			)
			edge.SimulatedProfitGuaranteed = false
		} else {
			edge.SimulationRef = sim.Ref
			edge.SimulatedProfitGuaranteed = sim.ProfitGuaranteed
		}
	}

	if err := s.edges.Create(ctx, edge); err != nil {
		return fmt.Errorf("edge_service: create edge: %w", err)
	}
	s.publish(ctx, domain.EventEdgeDetected, edge, "")

	if edge.Expired(time.Now().UTC()) {
		return s.expire(ctx, edge)
	}

	// Every edge passes through consensus_pending regardless of mode, so
	// approved and rejected are only ever drawn out of the pending state and
	// the transition log reads the same for every decision path.
	var pendingNote string
	switch strategy.ExecutionMode {
	case domain.ModeManual:
		pendingNote = "awaiting operator approval"
	case domain.ModeConsensus:
		pendingNote = "consensus round started"
	case domain.ModeAutonomous:
		pendingNote = "autonomous gate"
	default:
		return fmt.Errorf("edge_service: %w: unknown execution mode %q", domain.ErrValidation, strategy.ExecutionMode)
	}
	if err := s.edges.Transition(ctx, edge.ID, domain.EdgeDetected, domain.EdgeConsensusPending, pendingNote); err != nil {
		return fmt.Errorf("edge_service: hold %s: %w", edge.ID, err)
	}

	if strategy.RequireSimulation && !edge.SimulatedProfitGuaranteed {
		reason := reasonSimulationUnprofitable
		if edge.SimulationRef == "" {
			reason = reasonSimulationError
		}
		return s.reject(ctx, edge, domain.EdgeConsensusPending, reason)
	}

	switch strategy.ExecutionMode {
	case domain.ModeManual:
		return nil

	case domain.ModeConsensus:
		result := s.engine.Validate(ctx, edge, strategy.ConsensusThreshold, strategy.ConsensusQuorum)
		if err := s.consensus.Create(ctx, result); err != nil {
			s.logger.ErrorContext(ctx, "persist consensus result failed",
				slog.String("edge_id", edge.ID),
				slog.String("error", err.Error()),
			)
		}
		if !result.Approved {
			return s.reject(ctx, edge, domain.EdgeConsensusPending, result.Reasoning)
		}
		return s.approveAndExecute(ctx, edge, strategy, domain.EdgeConsensusPending, result.Reasoning)

	default:
		return s.approveAndExecute(ctx, edge, strategy, domain.EdgeConsensusPending, "autonomous gate passed")
	}
}

// Approve is the operator's approval for a manual-mode edge held in
// consensus_pending.
func (s *EdgeService) Approve(ctx context.Context, edgeID string) error {
	edge, err := s.edges.GetByID(ctx, edgeID)
	if err != nil {
		return fmt.Errorf("edge_service: approve %s: %w", edgeID, err)
	}
	if edge.Status != domain.EdgeConsensusPending {
		return fmt.Errorf("edge_service: approve %s: %w: edge is %s", edgeID, domain.ErrValidation, edge.Status)
	}
	if edge.Expired(time.Now().UTC()) {
		return s.expire(ctx, edge)
	}
	strategy, err := s.strategies.Get(ctx, edge.StrategyID)
	if err != nil {
		return fmt.Errorf("edge_service: approve %s: %w", edgeID, err)
	}
	if !strategy.Enabled {
		return s.reject(ctx, edge, domain.EdgeConsensusPending, reasonStrategyDisabled)
	}
	s.auditLog(ctx, "edge_operator_approved", map[string]any{"edge_id": edgeID})
	return s.approveAndExecute(ctx, edge, strategy, domain.EdgeConsensusPending, "operator approved")
}

// Reject is the operator's rejection for a pre-execution edge.
func (s *EdgeService) Reject(ctx context.Context, edgeID, reason string) error {
	edge, err := s.edges.GetByID(ctx, edgeID)
	if err != nil {
		return fmt.Errorf("edge_service: reject %s: %w", edgeID, err)
	}
	if !edge.Status.PreExecution() {
		return fmt.Errorf("edge_service: reject %s: %w: edge is %s", edgeID, domain.ErrValidation, edge.Status)
	}
	if reason == "" {
		reason = "operator rejected"
	}
	s.auditLog(ctx, "edge_operator_rejected", map[string]any{"edge_id": edgeID, "reason": reason})
	return s.reject(ctx, edge, edge.Status, reason)
}

// approveAndExecute reserves capital, re-checks the daily loss limit, marks
// the edge approved, and submits the entry. The reservation precedes the
// approved status so an approved edge always has capital behind it; the
// daily-limit check runs after the reservation so a concurrent loss recorded
// mid-flight still blocks the entry.
func (s *EdgeService) approveAndExecute(ctx context.Context, edge domain.Edge, strategy domain.Strategy, from domain.EdgeStatus, note string) error {
	if err := s.ledger.Reserve(ctx, strategy, edge.ID, edge.Size); err != nil {
		switch {
		case errors.Is(err, domain.ErrCapitalExhausted):
			return s.reject(ctx, edge, from, reasonCapitalExhausted)
		case errors.Is(err, domain.ErrAlreadyExists):
			// Another worker already reserved for this edge; let it win.
			s.logger.WarnContext(ctx, "duplicate reservation attempt",
				slog.String("edge_id", edge.ID),
			)
			return nil
		}
		return fmt.Errorf("edge_service: reserve %s: %w", edge.ID, err)
	}

	if err := s.ledger.CheckDailyLimit(ctx, strategy); err != nil {
		if errors.Is(err, domain.ErrDailyLimitBreach) {
			if relErr := s.ledger.Release(ctx, edge.ID); relErr != nil {
				s.logger.ErrorContext(ctx, "release after daily breach failed",
					slog.String("edge_id", edge.ID),
					slog.String("error", relErr.Error()),
				)
			}
			return s.reject(ctx, edge, from, reasonDailyLimitBreached)
		}
		return fmt.Errorf("edge_service: daily limit %s: %w", edge.ID, err)
	}

	if err := s.edges.Transition(ctx, edge.ID, from, domain.EdgeApproved, note); err != nil {
		if relErr := s.ledger.Release(ctx, edge.ID); relErr != nil {
			s.logger.ErrorContext(ctx, "release after lost transition failed",
				slog.String("edge_id", edge.ID),
				slog.String("error", relErr.Error()),
			)
		}
		return fmt.Errorf("edge_service: approve %s: %w", edge.ID, err)
	}
	edge.Status = domain.EdgeApproved
	s.publish(ctx, domain.EventEdgeApproved, edge, note)

	return s.execute(ctx, edge, strategy)
}

// execute submits the entry. A failed submission moves the edge to failed and
// frees its capital; a cancelled context leaves it approved so the expiry
// sweeper reconciles after restart.
func (s *EdgeService) execute(ctx context.Context, edge domain.Edge, strategy domain.Strategy) error {
	fill, err := s.executor.ExecuteEntry(ctx, edge)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.WarnContext(ctx, "entry interrupted by shutdown",
				slog.String("edge_id", edge.ID),
			)
			return fmt.Errorf("edge_service: execute %s: %w", edge.ID, err)
		}
		if relErr := s.ledger.Release(ctx, edge.ID); relErr != nil {
			s.logger.ErrorContext(ctx, "release after failed entry failed",
				slog.String("edge_id", edge.ID),
				slog.String("error", relErr.Error()),
			)
		}
		reason := fmt.Sprintf("execution failed: %v", err)
		if trErr := s.edges.Transition(ctx, edge.ID, domain.EdgeApproved, domain.EdgeFailed, reason); trErr != nil {
			return fmt.Errorf("edge_service: fail %s: %w", edge.ID, trErr)
		}
		s.logger.ErrorContext(ctx, "entry execution failed",
			slog.String("edge_id", edge.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := s.edges.SetExecution(ctx, edge.ID, fill.TxSignature, fill.AmountBase, fill.Price); err != nil {
		return fmt.Errorf("edge_service: record execution %s: %w", edge.ID, err)
	}
	if err := s.edges.Transition(ctx, edge.ID, domain.EdgeApproved, domain.EdgeExecuted, "entry filled"); err != nil {
		return fmt.Errorf("edge_service: mark executed %s: %w", edge.ID, err)
	}
	edge.Status = domain.EdgeExecuted
	edge.TxSignature = fill.TxSignature
	s.publish(ctx, domain.EventEdgeExecuted, edge, fill.TxSignature)
	s.logger.InfoContext(ctx, "edge executed",
		slog.String("edge_id", edge.ID),
		slog.String("tx", fill.TxSignature),
		slog.Float64("size", fill.AmountBase),
	)

	if _, err := s.positions.Open(ctx, edge, strategy, fill); err != nil {
		return fmt.Errorf("edge_service: open position %s: %w", edge.ID, err)
	}
	return nil
}

// Settle records the final realized outcome once the backing position has
// fully closed.
func (s *EdgeService) Settle(ctx context.Context, edgeID string, actualProfit, actualGas float64) error {
	if err := s.edges.SetSettlement(ctx, edgeID, actualProfit, actualGas); err != nil {
		return fmt.Errorf("edge_service: settle %s: %w", edgeID, err)
	}
	if err := s.edges.Transition(ctx, edgeID, domain.EdgeExecuted, domain.EdgeSettled, "position closed"); err != nil {
		return fmt.Errorf("edge_service: settle %s: %w", edgeID, err)
	}
	edge, err := s.edges.GetByID(ctx, edgeID)
	if err == nil {
		s.publish(ctx, domain.EventEdgeSettled, edge, "")
	}
	return nil
}

// SweepExpired expires pre-execution edges whose window has passed and frees
// any capital still reserved behind them. Losing the transition race is fine:
// it means another worker already moved the edge on.
func (s *EdgeService) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expirable, err := s.edges.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("edge_service: sweep expired: %w", err)
	}
	swept := 0
	for _, edge := range expirable {
		if err := s.expire(ctx, edge); err != nil {
			s.logger.WarnContext(ctx, "expire failed",
				slog.String("edge_id", edge.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		swept++
	}
	return swept, nil
}

// Get returns one edge.
func (s *EdgeService) Get(ctx context.Context, id string) (domain.Edge, error) {
	edge, err := s.edges.GetByID(ctx, id)
	if err != nil {
		return domain.Edge{}, fmt.Errorf("edge_service: get %s: %w", id, err)
	}
	return edge, nil
}

// ListByStatus returns edges in one lifecycle status.
func (s *EdgeService) ListByStatus(ctx context.Context, status domain.EdgeStatus, opts domain.ListOpts) ([]domain.Edge, error) {
	edges, err := s.edges.ListByStatus(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("edge_service: list %s: %w", status, err)
	}
	return edges, nil
}

// History returns the transition log for one edge, oldest first.
func (s *EdgeService) History(ctx context.Context, edgeID string) ([]domain.EdgeTransition, error) {
	transitions, err := s.edges.Transitions(ctx, edgeID)
	if err != nil {
		return nil, fmt.Errorf("edge_service: history %s: %w", edgeID, err)
	}
	return transitions, nil
}

func (s *EdgeService) expire(ctx context.Context, edge domain.Edge) error {
	if err := s.edges.Transition(ctx, edge.ID, edge.Status, domain.EdgeExpired, reasonExpired); err != nil {
		return fmt.Errorf("edge_service: expire %s: %w", edge.ID, err)
	}
	// Approved edges hold a reservation; Release is a no-op for the rest.
	if err := s.ledger.Release(ctx, edge.ID); err != nil {
		s.logger.ErrorContext(ctx, "release on expiry failed",
			slog.String("edge_id", edge.ID),
			slog.String("error", err.Error()),
		)
	}
	s.publish(ctx, domain.EventEdgeExpired, edge, reasonExpired)
	return nil
}

func (s *EdgeService) reject(ctx context.Context, edge domain.Edge, from domain.EdgeStatus, reason string) error {
	if err := s.edges.Transition(ctx, edge.ID, from, domain.EdgeRejected, reason); err != nil {
		return fmt.Errorf("edge_service: reject %s: %w", edge.ID, err)
	}
	s.publish(ctx, domain.EventEdgeRejected, edge, reason)
	s.logger.InfoContext(ctx, "edge rejected",
		slog.String("edge_id", edge.ID),
		slog.String("reason", reason),
	)
	return nil
}

func (s *EdgeService) publish(ctx context.Context, event string, edge domain.Edge, note string) {
	payload := map[string]any{
		"event":       event,
		"edge_id":     edge.ID,
		"strategy_id": edge.StrategyID,
		"type":        string(edge.Type),
		"token_mint":  edge.TokenMint,
		"size":        edge.Size,
	}
	if note != "" {
		payload["note"] = note
	}
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, domain.ChannelEdges, data); err != nil {
		s.logger.WarnContext(ctx, "publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *EdgeService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
