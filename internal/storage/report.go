package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/noderunner/internal/metrics"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/runner"
	"github.com/gateway-fm/noderunner/pkg/types"
)

// ReportMeta describes the run a report is built for.
type ReportMeta struct {
	Name            string
	Executable      string
	Accounts        int
	BlockProduction bool
	StartedAt       time.Time
}

// MetaFromRunner returns the metadata of a running node.
func MetaFromRunner(r *runner.Runner, startedAt time.Time) ReportMeta {
	cfg := r.Config()
	return ReportMeta{
		Name:            cfg.Name,
		Executable:      cfg.Executable,
		Accounts:        int(cfg.Accounts),
		BlockProduction: cfg.BlockProduction,
		StartedAt:       startedAt,
	}
}

// BuildReport waits for the node to go idle, then derives the block series,
// step series and their summary from reader.
func BuildReport(ctx context.Context, reader *logs.Reader, meta ReportMeta) (*types.RunReport, error) {
	series, err := reader.BlockSeries(ctx)
	if err != nil {
		return nil, fmt.Errorf("block series: %w", err)
	}
	steps, err := reader.Steps()
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	return NewReport(meta, series, steps), nil
}

// SnapshotReport derives a report from the blocks logged so far, without
// waiting for the node to go idle.
func SnapshotReport(reader *logs.Reader, meta ReportMeta) (*types.RunReport, error) {
	obs := logs.NewObserver(reader)
	snap, _, err := obs.Poll()
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	sizes, times, err := obs.Series(snap)
	if err != nil {
		return nil, fmt.Errorf("block series: %w", err)
	}
	steps, err := reader.Steps()
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	series := &types.BlockSeries{Sizes: sizes, Times: times, Raw: snap.Blocks}
	return NewReport(meta, series, steps), nil
}

// NewReport assembles a report with a fresh ID.
func NewReport(meta ReportMeta, series *types.BlockSeries, steps []uint64) *types.RunReport {
	var total uint64
	for _, n := range steps {
		total += n
	}

	startedAt := meta.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	return &types.RunReport{
		ID:              uuid.NewString(),
		Name:            meta.Name,
		Executable:      meta.Executable,
		Accounts:        meta.Accounts,
		BlockProduction: meta.BlockProduction,
		StartedAt:       startedAt,
		CompletedAt:     time.Now(),
		Blocks:          series,
		Steps:           steps,
		TotalSteps:      total,
		Summary:         metrics.Summarize(series, steps),
	}
}
