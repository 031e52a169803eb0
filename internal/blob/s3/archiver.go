package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbfarm/arbfarm/internal/domain"
)

// Narrow read interfaces for the archiver. The Postgres stores satisfy them
// implicitly; the archiver never needs the full store surface.

// EdgeArchiveSource lists settled edges for a day window.
type EdgeArchiveSource interface {
	ListSettledBetween(ctx context.Context, since, until time.Time) ([]domain.Edge, error)
}

// PositionArchiveSource lists closed positions for a day window.
type PositionArchiveSource interface {
	ListClosedBetween(ctx context.Context, since, until time.Time) ([]domain.Position, error)
}

// Archiver copies each day's settled edges and closed positions to object
// storage as JSONL day files. Rows are never deleted from the primary store
// here; pruning is a separate operator step taken after the archive is
// verified.
type Archiver struct {
	writer    *Writer
	edges     EdgeArchiveSource
	positions PositionArchiveSource
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer *Writer,
	edges EdgeArchiveSource,
	positions PositionArchiveSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:    writer,
		edges:     edges,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run archives the previous UTC day shortly after midnight, then daily.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		next := nextRunAt(time.Now().UTC())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := a.ArchiveDay(ctx, day); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.ErrorContext(ctx, "archive day failed",
				slog.String("day", day.Format("2006-01-02")),
				slog.String("error", err.Error()),
			)
		}
	}
}

// nextRunAt returns 00:10 UTC of the following day, leaving settlement
// writers a margin past midnight.
func nextRunAt(now time.Time) time.Time {
	day := now.Truncate(24 * time.Hour).AddDate(0, 0, 1)
	return day.Add(10 * time.Minute)
}

// ArchiveDay uploads one UTC day's records.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) error {
	since := day.UTC().Truncate(24 * time.Hour)
	until := since.AddDate(0, 0, 1)
	tag := since.Format("2006-01-02")

	edges, err := a.edges.ListSettledBetween(ctx, since, until)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: list edges: %w", tag, err)
	}
	if len(edges) > 0 {
		if err := a.upload(ctx, "archive/edges/"+tag+".jsonl", marshalRows(edges)); err != nil {
			return fmt.Errorf("s3blob: archive %s: edges: %w", tag, err)
		}
	}

	positions, err := a.positions.ListClosedBetween(ctx, since, until)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: list positions: %w", tag, err)
	}
	if len(positions) > 0 {
		if err := a.upload(ctx, "archive/positions/"+tag+".jsonl", marshalRows(positions)); err != nil {
			return fmt.Errorf("s3blob: archive %s: positions: %w", tag, err)
		}
	}

	if len(edges) == 0 && len(positions) == 0 {
		return nil
	}
	if err := a.audit.Log(ctx, "archive_day", map[string]any{
		"day":       tag,
		"edges":     len(edges),
		"positions": len(positions),
	}); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("error", err.Error()),
		)
	}
	a.logger.InfoContext(ctx, "day archived",
		slog.String("day", tag),
		slog.Int("edges", len(edges)),
		slog.Int("positions", len(positions)),
	)
	return nil
}

func (a *Archiver) upload(ctx context.Context, path string, data []byte) error {
	return a.writer.Put(ctx, path, data, "application/x-ndjson")
}

// marshalRows renders records as JSONL, one object per line.
func marshalRows[T any](rows []T) []byte {
	var out []byte
	for _, r := range rows {
		line, err := json.Marshal(r)
		if err != nil {
			continue
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}
