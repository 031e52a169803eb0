package domain

import (
	"context"
	"time"
)

// EdgeCandidate is a raw opportunity produced by a scanner before any risk
// gating. The intake pipeline turns accepted candidates into Edges.
type EdgeCandidate struct {
	Type            EdgeType
	Venue           VenueType
	TokenMint       string
	TokenSymbol     string
	Atomic          bool
	EstimatedProfit float64
	EstimatedGas    float64
	EntryPrice      float64
	Size            float64
	RiskScore       float64
	ExpiresAt       time.Time
	DetectedAt      time.Time
}

// Scanner supplies raw opportunity candidates. Implementations live outside
// this engine; the intake loop only reads the channel.
type Scanner interface {
	Run(ctx context.Context) error
	Candidates() <-chan EdgeCandidate
}

// SimulationResult is what the simulation collaborator reports for an edge.
type SimulationResult struct {
	ProfitGuaranteed bool
	SimulatedProfit  float64
	Ref              string
}

// Simulator dry-runs an edge before capital is committed.
type Simulator interface {
	Simulate(ctx context.Context, e Edge) (SimulationResult, error)
}

// Fill is the outcome of a successful entry execution.
type Fill struct {
	TxSignature string
	AmountBase  float64
	TokenAmount float64
	Price       float64
	GasCost     float64
}

// ExitFill is the outcome of a successful exit execution.
type ExitFill struct {
	TxSignature string
	AmountBase  float64
	TokenAmount float64
	Price       float64
	GasCost     float64
	// Inferred is set when the executor could not confirm a transaction
	// and deduced the exit from a wallet balance delta.
	Inferred   bool
	ObservedAt time.Time
}

// ExecutionClient submits entries and exits to the chain. Errors that are
// specifically rate limiting must unwrap to ErrRateLimited so the exit queue
// can apply its longer backoff curve.
type ExecutionClient interface {
	ExecuteEntry(ctx context.Context, e Edge) (Fill, error)
	ExecuteExit(ctx context.Context, p Position, fraction float64) (ExitFill, error)
}

// Blob paths for the cold archive.
type BlobObject struct {
	Path string
	Size int64
}

// BlobWriter writes archive objects to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
