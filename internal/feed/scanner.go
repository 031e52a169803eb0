package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// ChannelCandidates is where external scanner processes publish raw
// opportunities.
const ChannelCandidates = "candidates"

// candidateMsg is the wire shape scanners publish.
type candidateMsg struct {
	Type            string  `json:"type"`
	Venue           string  `json:"venue"`
	TokenMint       string  `json:"token_mint"`
	TokenSymbol     string  `json:"token_symbol"`
	Atomic          bool    `json:"atomic"`
	EstimatedProfit float64 `json:"estimated_profit"`
	EstimatedGas    float64 `json:"estimated_gas"`
	EntryPrice      float64 `json:"entry_price"`
	Size            float64 `json:"size"`
	RiskScore       float64 `json:"risk_score"`
	ExpiresAt       string  `json:"expires_at"`
	DetectedAt      string  `json:"detected_at"`
}

// BusScanner implements domain.Scanner by consuming candidates published on
// the event bus. Scanner processes run outside this engine; the bus is the
// contract between them.
type BusScanner struct {
	bus    domain.EventBus
	out    chan domain.EdgeCandidate
	logger *slog.Logger
}

var _ domain.Scanner = (*BusScanner)(nil)

// NewBusScanner creates a BusScanner.
func NewBusScanner(bus domain.EventBus, logger *slog.Logger) *BusScanner {
	return &BusScanner{
		bus:    bus,
		out:    make(chan domain.EdgeCandidate, 64),
		logger: logger.With(slog.String("component", "bus_scanner")),
	}
}

// Candidates returns the decoded candidate stream.
func (s *BusScanner) Candidates() <-chan domain.EdgeCandidate {
	return s.out
}

// Run consumes the candidates channel until the context is done.
func (s *BusScanner) Run(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx, ChannelCandidates)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "scanner bridge started")
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			cand, err := decodeCandidate(data)
			if err != nil {
				s.logger.DebugContext(ctx, "unparseable candidate",
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			select {
			case s.out <- cand:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func decodeCandidate(data []byte) (domain.EdgeCandidate, error) {
	var msg candidateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.EdgeCandidate{}, err
	}
	cand := domain.EdgeCandidate{
		Type:            domain.EdgeType(msg.Type),
		Venue:           domain.VenueType(msg.Venue),
		TokenMint:       msg.TokenMint,
		TokenSymbol:     msg.TokenSymbol,
		Atomic:          msg.Atomic,
		EstimatedProfit: msg.EstimatedProfit,
		EstimatedGas:    msg.EstimatedGas,
		EntryPrice:      msg.EntryPrice,
		Size:            msg.Size,
		RiskScore:       msg.RiskScore,
		DetectedAt:      time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339Nano, msg.DetectedAt); err == nil {
		cand.DetectedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, msg.ExpiresAt); err == nil {
		cand.ExpiresAt = t
	}
	return cand, nil
}
