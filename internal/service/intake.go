package service

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// Intake bridges the scanner collaborator into the edge pipeline. Candidates
// are processed sequentially: the pipeline's capital math is serialized per
// strategy anyway, and ordering keeps the transition log legible.
type Intake struct {
	scanner domain.Scanner
	edges   *EdgeService
	logger  *slog.Logger
}

// NewIntake creates an Intake.
func NewIntake(scanner domain.Scanner, edges *EdgeService, logger *slog.Logger) *Intake {
	return &Intake{
		scanner: scanner,
		edges:   edges,
		logger:  logger.With(slog.String("component", "intake")),
	}
}

// Run starts the scanner and consumes its candidates until the context is
// done or the scanner stops.
func (i *Intake) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return i.scanner.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cand, ok := <-i.scanner.Candidates():
				if !ok {
					return nil
				}
				if err := i.edges.ProcessCandidate(ctx, cand); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					i.logger.ErrorContext(ctx, "candidate processing failed",
						slog.String("token", cand.TokenSymbol),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
	return g.Wait()
}
