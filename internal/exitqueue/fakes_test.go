package exitqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

// --- position store ---

type memPositionStore struct {
	mu            sync.Mutex
	items         map[string]domain.Position
	appendExitErr error
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{items: make(map[string]domain.Position)}
}

func (s *memPositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memPositionStore) ListHistory(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *memPositionStore) SetAutoExit(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	reservations map[string]domain.CapitalReservation
	stats        map[string]domain.DailyRiskStats
}

func newMemCapitalStore() *memCapitalStore {
	return &memCapitalStore{
		reservations: make(map[string]domain.CapitalReservation),
		stats:        make(map[string]domain.DailyRiskStats),
	}
}

func (s *memCapitalStore) Reserve(_ context.Context, r domain.CapitalReservation, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.reservations[r.PositionID]; ok && !existing.Released {
		return domain.ErrAlreadyExists
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
	r.Released = true
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

func (s *memCapitalStore) UpsertDailyStats(_ context.Context, strategyID string, day time.Time, pnl float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strategyID + "|" + day.UTC().Format("2006-01-02")
	st := s.stats[key]
	st.StrategyID = strategyID
	if pnl >= 0 {
		st.RealizedProfit += pnl
	} else {
		st.RealizedLoss += -pnl
	}
	st.TradeCount++
	st.UpdatedAt = at
	s.stats[key] = st
	return nil
}

func (s *memCapitalStore) GetDailyStats(_ context.Context, strategyID string, day time.Time) (domain.DailyRiskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[strategyID+"|"+day.UTC().Format("2006-01-02")], nil
}

// --- edge store ---

type memEdgeStore struct {
	mu    sync.Mutex
	items map[string]domain.Edge
}

func newMemEdgeStore() *memEdgeStore {
	return &memEdgeStore{items: make(map[string]domain.Edge)}
}

func (s *memEdgeStore) Create(_ context.Context, e domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[e.ID] = e
	return nil
}

func (s *memEdgeStore) Transition(_ context.Context, id string, from, to domain.EdgeStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok || e.Status != from {
		return domain.ErrNotFound
	}
	e.Status = to
	s.items[id] = e
	return nil
}

func (s *memEdgeStore) SetExecution(_ context.Context, id, tx string, size, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.TxSignature = tx
	e.Size = size
	e.EntryPrice = price
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
	return nil, nil
}

func (s *memEdgeStore) ListExpirable(_ context.Context, _ time.Time, _ int) ([]domain.Edge, error) {
	return nil, nil
}

func (s *memEdgeStore) Transitions(_ context.Context, _ string) ([]domain.EdgeTransition, error) {
	return nil, nil
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

type memAuditStore struct{}

func (memAuditStore) Log(_ context.Context, _ string, _ map[string]any) error { return nil }
func (memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	waits int
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, _ int, _ time.Duration) (bool, error) {
	return f.allow, nil
}

func (f *fakeLimiter) Wait(_ context.Context, _ string, _ int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return nil
}

func (f *fakeLimiter) waitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits
}

type fakeExitExecutor struct {
	mu    sync.Mutex
	calls int
	fill  domain.ExitFill
	err   error
}

func (f *fakeExitExecutor) ExecuteEntry(_ context.Context, _ domain.Edge) (domain.Fill, error) {
	return domain.Fill{}, domain.ErrExecutionFailed
}

func (f *fakeExitExecutor) ExecuteExit(_ context.Context, _ domain.Position, _ float64) (domain.ExitFill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fill, f.err
}
