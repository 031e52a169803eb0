// Package executor submits entries and exits to the trade relay, the service
// that builds, signs, and lands transactions on chain. The engine treats it
// as a black box behind an authenticated HTTP API.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arbfarm/arbfarm/internal/crypto"
	"github.com/arbfarm/arbfarm/internal/domain"
)

const entryDedupTTL = 2 * time.Minute

// RelayClient implements domain.ExecutionClient against the trade relay API.
type RelayClient struct {
	baseURL string
	wallet  string
	auth    *crypto.RelayAuth
	client  *http.Client
	entries *dedup
	logger  *slog.Logger
}

var (
	_ domain.ExecutionClient = (*RelayClient)(nil)
	_ domain.Simulator       = (*RelayClient)(nil)
)

// NewRelayClient creates a RelayClient.
func NewRelayClient(baseURL, wallet string, auth *crypto.RelayAuth, timeout time.Duration, logger *slog.Logger) *RelayClient {
	return &RelayClient{
		baseURL: baseURL,
		wallet:  wallet,
		auth:    auth,
		client:  &http.Client{Timeout: timeout},
		entries: newDedup(entryDedupTTL),
		logger:  logger.With(slog.String("component", "relay")),
	}
}

type entryRequest struct {
	EdgeID         string  `json:"edge_id"`
	Wallet         string  `json:"wallet"`
	Venue          string  `json:"venue"`
	TokenMint      string  `json:"token_mint"`
	AmountBase     float64 `json:"amount_base"`
	Atomic         bool    `json:"atomic"`
	MaxSlippageBps float64 `json:"max_slippage_bps,omitempty"`
}

type fillResponse struct {
	TxSignature string  `json:"tx_signature"`
	AmountBase  float64 `json:"amount_base"`
	TokenAmount float64 `json:"token_amount"`
	Price       float64 `json:"price"`
	GasCost     float64 `json:"gas_cost"`
	Inferred    bool    `json:"inferred"`
	ObservedAt  string  `json:"observed_at"`
}

type relayError struct {
	Error string `json:"error"`
}

// ExecuteEntry submits the entry leg for an approved edge. A repeat call for
// the same edge inside the dedup window fails instead of double-buying.
func (c *RelayClient) ExecuteEntry(ctx context.Context, e domain.Edge) (domain.Fill, error) {
	if c.entries.isDuplicate(e.ID) {
		return domain.Fill{}, fmt.Errorf("executor: entry %s: %w: recently submitted", e.ID, domain.ErrAlreadyExists)
	}
	req := entryRequest{
		EdgeID:         e.ID,
		Wallet:         c.wallet,
		Venue:          string(e.Venue),
		TokenMint:      e.TokenMint,
		AmountBase:     e.Size,
		Atomic:         e.Atomic,
		MaxSlippageBps: e.MaxSlippageBps,
	}
	var resp fillResponse
	if err := c.post(ctx, "/v1/entry", req, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("executor: entry %s: %w", e.ID, err)
	}
	return domain.Fill{
		TxSignature: resp.TxSignature,
		AmountBase:  resp.AmountBase,
		TokenAmount: resp.TokenAmount,
		Price:       resp.Price,
		GasCost:     resp.GasCost,
	}, nil
}

type simulateRequest struct {
	EdgeID     string  `json:"edge_id"`
	Venue      string  `json:"venue"`
	TokenMint  string  `json:"token_mint"`
	AmountBase float64 `json:"amount_base"`
	Atomic     bool    `json:"atomic"`
}

type simulateResponse struct {
	ProfitGuaranteed bool    `json:"profit_guaranteed"`
	SimulatedProfit  float64 `json:"simulated_profit"`
	Ref              string  `json:"ref"`
}

// Simulate dry-runs the edge's entry bundle without landing it.
func (c *RelayClient) Simulate(ctx context.Context, e domain.Edge) (domain.SimulationResult, error) {
	req := simulateRequest{
		EdgeID:     e.ID,
		Venue:      string(e.Venue),
		TokenMint:  e.TokenMint,
		AmountBase: e.Size,
		Atomic:     e.Atomic,
	}
	var resp simulateResponse
	if err := c.post(ctx, "/v1/simulate", req, &resp); err != nil {
		return domain.SimulationResult{}, fmt.Errorf("executor: simulate %s: %w", e.ID, err)
	}
	return domain.SimulationResult{
		ProfitGuaranteed: resp.ProfitGuaranteed,
		SimulatedProfit:  resp.SimulatedProfit,
		Ref:              resp.Ref,
	}, nil
}

type exitRequest struct {
	PositionID  string  `json:"position_id"`
	Wallet      string  `json:"wallet"`
	TokenMint   string  `json:"token_mint"`
	TokenAmount float64 `json:"token_amount"`
	Fraction    float64 `json:"fraction"`
}

// ExecuteExit liquidates a fraction of the position's remaining stake. When
// the relay lost the transaction but observed the balance change, the fill
// comes back inferred and downstream P&L is marked estimated.
func (c *RelayClient) ExecuteExit(ctx context.Context, p domain.Position, fraction float64) (domain.ExitFill, error) {
	req := exitRequest{
		PositionID:  p.ID,
		Wallet:      p.Wallet,
		TokenMint:   p.TokenMint,
		TokenAmount: p.RemainingTokenAmount * fraction,
		Fraction:    fraction,
	}
	var resp fillResponse
	if err := c.post(ctx, "/v1/exit", req, &resp); err != nil {
		return domain.ExitFill{}, fmt.Errorf("executor: exit %s: %w", p.ID, err)
	}
	fill := domain.ExitFill{
		TxSignature: resp.TxSignature,
		AmountBase:  resp.AmountBase,
		TokenAmount: resp.TokenAmount,
		Price:       resp.Price,
		GasCost:     resp.GasCost,
		Inferred:    resp.Inferred,
	}
	if resp.Inferred {
		fill.ObservedAt = time.Now().UTC()
		if t, err := time.Parse(time.RFC3339Nano, resp.ObservedAt); err == nil {
			fill.ObservedAt = t
		}
	}
	return fill, nil
}

// post sends one signed request and decodes the response. HTTP 429 unwraps to
// ErrRateLimited so the exit queue can pick its longer backoff curve.
func (c *RelayClient) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.Headers(http.MethodPost, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("relay %s: %w", path, domain.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var relayErr relayError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &relayErr) == nil && relayErr.Error != "" {
			return fmt.Errorf("relay %s: status %d: %s: %w", path, resp.StatusCode, relayErr.Error, domain.ErrExecutionFailed)
		}
		return fmt.Errorf("relay %s: status %d: %w", path, resp.StatusCode, domain.ErrExecutionFailed)
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
