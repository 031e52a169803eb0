package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- strategy store ---

type memStrategyStore struct {
	mu    sync.Mutex
	items map[string]domain.Strategy
}

func newMemStrategyStore() *memStrategyStore {
	return &memStrategyStore{items: make(map[string]domain.Strategy)}
}

func (s *memStrategyStore) Create(_ context.Context, strat domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[strat.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.items[strat.ID] = strat
	return nil
}

func (s *memStrategyStore) Update(_ context.Context, strat domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[strat.ID]; !ok {
		return domain.ErrNotFound
	}
	s.items[strat.ID] = strat
	return nil
}

func (s *memStrategyStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	strat, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	strat.Enabled = enabled
	s.items[id] = strat
	return nil
}

func (s *memStrategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strat, ok := s.items[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return strat, nil
}

func (s *memStrategyStore) ListEnabled(_ context.Context) ([]domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Strategy
	for _, strat := range s.items {
		if strat.Enabled {
			out = append(out, strat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStrategyStore) List(_ context.Context, _ domain.ListOpts) ([]domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Strategy
	for _, strat := range s.items {
		out = append(out, strat)
	}
	return out, nil
}

// --- edge store ---

type memEdgeStore struct {
	mu          sync.Mutex
	items       map[string]domain.Edge
	transitions []domain.EdgeTransition
}

func newMemEdgeStore() *memEdgeStore {
	return &memEdgeStore{items: make(map[string]domain.Edge)}
}

func (s *memEdgeStore) Create(_ context.Context, e domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[e.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.items[e.ID] = e
	return nil
}

func (s *memEdgeStore) Transition(_ context.Context, id string, from, to domain.EdgeStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok || e.Status != from {
		return domain.ErrNotFound
	}
	e.Status = to
	if to == domain.EdgeRejected || to == domain.EdgeFailed || to == domain.EdgeExpired {
		e.RejectionReason = reason
	}
	e.UpdatedAt = time.Now().UTC()
	s.items[id] = e
	s.transitions = append(s.transitions, domain.EdgeTransition{
		ID:     int64(len(s.transitions) + 1),
		EdgeID: id,
		From:   from,
		To:     to,
		Reason: reason,
		At:     e.UpdatedAt,
	})
	return nil
}

func (s *memEdgeStore) SetExecution(_ context.Context, id, txSignature string, size, entryPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.TxSignature = txSignature
	e.Size = size
	e.EntryPrice = entryPrice
	s.items[id] = e
	return nil
}

func (s *memEdgeStore) SetSettlement(_ context.Context, id string, actualProfit, actualGas float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.ActualProfit = &actualProfit
	e.ActualGas = &actualGas
	s.items[id] = e
	return nil
}

func (s *memEdgeStore) GetByID(_ context.Context, id string) (domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return domain.Edge{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *memEdgeStore) ListByStatus(_ context.Context, status domain.EdgeStatus, _ domain.ListOpts) ([]domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Edge
	for _, e := range s.items {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEdgeStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Edge
	for _, e := range s.items {
		if e.Status.PreExecution() && e.Expired(now) {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memEdgeStore) Transitions(_ context.Context, edgeID string) ([]domain.EdgeTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EdgeTransition
	for _, t := range s.transitions {
		if t.EdgeID == edgeID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- consensus store ---

type memConsensusStore struct {
	mu    sync.Mutex
	items map[string]domain.ConsensusResult // by edge ID
}

func newMemConsensusStore() *memConsensusStore {
	return &memConsensusStore{items: make(map[string]domain.ConsensusResult)}
}

func (s *memConsensusStore) Create(_ context.Context, r domain.ConsensusResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[r.EdgeID] = r
	return nil
}

func (s *memConsensusStore) GetByEdge(_ context.Context, edgeID string) (domain.ConsensusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[edgeID]
	if !ok {
		return domain.ConsensusResult{}, domain.ErrNotFound
	}
	return r, nil
}

// --- position store ---

type memPositionStore struct {
	mu             sync.Mutex
	items          map[string]domain.Position
	appendExitErr  error
	setAutoExitErr error
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{items: make(map[string]domain.Position)}
}

func (s *memPositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.items[p.ID] = p
	return nil
}

func (s *memPositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.items[p.ID] = p
	return nil
}

func (s *memPositionStore) AppendPartialExit(_ context.Context, p domain.Position, _ domain.PartialExit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendExitErr != nil {
		return s.appendExitErr
	}
	if _, ok := s.items[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.items[p.ID] = p
	return nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.items {
		if p.Status != domain.PositionClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memPositionStore) ListOpenByStrategy(_ context.Context, strategyID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.items {
		if p.Status != domain.PositionClosed && p.StrategyID == strategyID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) ListHistory(_ context.Context, wallet string, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.items {
		if p.Status == domain.PositionClosed && p.Wallet == wallet {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) SetAutoExit(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setAutoExitErr != nil {
		return s.setAutoExitErr
	}
	p, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.AutoExitEnabled = enabled
	s.items[id] = p
	return nil
}

// --- capital store ---

type memCapitalStore struct {
	mu           sync.Mutex
	reservations map[string]domain.CapitalReservation // by position ID
	stats        map[string]domain.DailyRiskStats     // by strategy ID + date
}

func newMemCapitalStore() *memCapitalStore {
	return &memCapitalStore{
		reservations: make(map[string]domain.CapitalReservation),
		stats:        make(map[string]domain.DailyRiskStats),
	}
}

func (s *memCapitalStore) Reserve(_ context.Context, r domain.CapitalReservation, ceiling float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.reservations[r.PositionID]; ok && !existing.Released {
		return domain.ErrAlreadyExists
	}
	var live float64
	for _, res := range s.reservations {
		if !res.Released && res.StrategyID == r.StrategyID {
			live += res.Amount
		}
	}
	if live+r.Amount > ceiling {
		return domain.ErrCapitalExhausted
	}
	s.reservations[r.PositionID] = r
	return nil
}

func (s *memCapitalStore) Release(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[positionID]
	if !ok || r.Released {
		return nil
	}
	now := time.Now().UTC()
	r.Released = true
	r.ReleasedAt = &now
	s.reservations[positionID] = r
	return nil
}

func (s *memCapitalStore) ReleasePartial(_ context.Context, positionID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[positionID]
	if !ok || r.Released {
		return nil
	}
	r.Amount -= amount
	if r.Amount < 0 {
		r.Amount = 0
	}
	s.reservations[positionID] = r
	return nil
}

func (s *memCapitalStore) GetByPosition(_ context.Context, positionID string) (domain.CapitalReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[positionID]
	if !ok {
		return domain.CapitalReservation{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *memCapitalStore) SumLive(_ context.Context, strategyID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live float64
	for _, r := range s.reservations {
		if !r.Released && r.StrategyID == strategyID {
			live += r.Amount
		}
	}
	return live, nil
}

func statsKey(strategyID string, day time.Time) string {
	return strategyID + "|" + day.UTC().Format("2006-01-02")
}

func (s *memCapitalStore) UpsertDailyStats(_ context.Context, strategyID string, day time.Time, pnl float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey(strategyID, day)
	st := s.stats[key]
	st.StrategyID = strategyID
	st.Date = day.UTC().Truncate(24 * time.Hour)
	st.TradeCount++
	if pnl >= 0 {
		st.RealizedProfit += pnl
		st.WinCount++
	} else {
		st.RealizedLoss += -pnl
		st.LossCount++
		lossAt := at
		st.LastLossAt = &lossAt
	}
	st.UpdatedAt = at
	s.stats[key] = st
	return nil
}

func (s *memCapitalStore) GetDailyStats(_ context.Context, strategyID string, day time.Time) (domain.DailyRiskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[statsKey(strategyID, day)], nil
}

// --- exit signal store ---

type memSignalStore struct {
	mu    sync.Mutex
	items map[string]domain.PendingExitSignal // by position ID
}

func newMemSignalStore() *memSignalStore {
	return &memSignalStore{items: make(map[string]domain.PendingExitSignal)}
}

func (s *memSignalStore) Upsert(_ context.Context, sig domain.PendingExitSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[sig.PositionID]
	if ok {
		existing.Reason = sig.Reason
		existing.ExitFraction = sig.ExitFraction
		existing.TriggerPrice = sig.TriggerPrice
		existing.Urgency = sig.Urgency
		existing.UpdatedAt = sig.UpdatedAt
		if sig.Urgency == domain.UrgencyEmergency {
			existing.FailedAttempts = 0
			existing.NextRetryAt = sig.NextRetryAt
			existing.IsRateLimited = false
			existing.Alerted = false
		}
		s.items[sig.PositionID] = existing
		return nil
	}
	s.items[sig.PositionID] = sig
	return nil
}

func (s *memSignalStore) ListDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]domain.PendingExitSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingExitSignal
	for _, sig := range s.items {
		if sig.Due(now, maxAttempts) {
			out = append(out, sig)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memSignalStore) RecordFailure(_ context.Context, id string, nextRetry time.Time, rateLimited bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, sig := range s.items {
		if sig.ID == id {
			sig.FailedAttempts++
			if nextRetry.After(sig.NextRetryAt) {
				sig.NextRetryAt = nextRetry
			}
			sig.IsRateLimited = rateLimited
			s.items[pid] = sig
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memSignalStore) MarkAlerted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, sig := range s.items {
		if sig.ID == id {
			sig.Alerted = true
			s.items[pid] = sig
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memSignalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, sig := range s.items {
		if sig.ID == id {
			delete(s.items, pid)
			return nil
		}
	}
	return nil
}

func (s *memSignalStore) GetByPosition(_ context.Context, positionID string) (domain.PendingExitSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.items[positionID]
	if !ok {
		return domain.PendingExitSignal{}, domain.ErrNotFound
	}
	return sig, nil
}

func (s *memSignalStore) List(_ context.Context) ([]domain.PendingExitSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingExitSignal
	for _, sig := range s.items {
		out = append(out, sig)
	}
	return out, nil
}

// --- audit store ---

type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func newMemAuditStore() *memAuditStore { return &memAuditStore{} }

func (s *memAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...), nil
}

// --- coordination fakes ---

type memLockManager struct{}

func (memLockManager) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	return func() {}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, _ string, _ []byte) error { return nil }

func (b *memBus) StreamRead(_ context.Context, _, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

// --- collaborator fakes ---

type fakeSimulator struct {
	result domain.SimulationResult
	err    error
}

func (f *fakeSimulator) Simulate(_ context.Context, _ domain.Edge) (domain.SimulationResult, error) {
	return f.result, f.err
}

type fakeExecutor struct {
	mu       sync.Mutex
	entries  int
	fill     domain.Fill
	entryErr error
	exitFill domain.ExitFill
	exitErr  error
}

func (f *fakeExecutor) ExecuteEntry(_ context.Context, _ domain.Edge) (domain.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries++
	return f.fill, f.entryErr
}

func (f *fakeExecutor) ExecuteExit(_ context.Context, _ domain.Position, _ float64) (domain.ExitFill, error) {
	return f.exitFill, f.exitErr
}

type recordingSignaler struct {
	mu       sync.Mutex
	triggers []ExitTrigger
	err      error
}

func (r *recordingSignaler) Trigger(_ context.Context, _ domain.Position, t ExitTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.triggers = append(r.triggers, t)
	return nil
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: make(map[string]float64)}
}

func (c *memPriceCache) SetPrice(_ context.Context, mint string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[mint] = price
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, mint string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[mint]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now().UTC(), nil
}

func (c *memPriceCache) GetPrices(_ context.Context, mints []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(mints))
	for _, m := range mints {
		if p, ok := c.prices[m]; ok {
			out[m] = p
		}
	}
	return out, nil
}
