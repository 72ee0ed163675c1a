package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/noderunner/internal/logtest"
	"github.com/gateway-fm/noderunner/pkg/logs"
)

func TestBuildReport(t *testing.T) {
	t0 := logtest.T0
	path := logtest.Write(t,
		logtest.Steps(t, 1500),
		logtest.Block(t, 1, t0),
		logtest.Steps(t, 500),
		logtest.Block(t, 0, t0.Add(1500*time.Millisecond)),
	)
	reader := logs.NewReader(path, logs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	started := t0.Add(-time.Minute)
	report, err := BuildReport(context.Background(), reader, ReportMeta{
		Name:       "TestHeavy",
		Executable: "katana",
		Accounts:   2,
		StartedAt:  started,
	})
	if err != nil {
		t.Fatalf("BuildReport() error: %v", err)
	}

	if _, err := uuid.Parse(report.ID); err != nil {
		t.Errorf("ID %q is not a uuid: %v", report.ID, err)
	}
	if report.Blocks.Len() != 2 || report.Blocks.Times[1] != 1500 {
		t.Errorf("Blocks = %+v", report.Blocks)
	}
	if report.TotalSteps != 2000 || len(report.Steps) != 2 {
		t.Errorf("steps = %v total %d", report.Steps, report.TotalSteps)
	}
	if !report.StartedAt.Equal(started) || report.CompletedAt.Before(started) {
		t.Errorf("times = %v..%v", report.StartedAt, report.CompletedAt)
	}
	if report.Summary == nil || report.Summary.BlockIntervalMs.Avg != 1500 {
		t.Errorf("Summary = %+v", report.Summary)
	}

	// The report round-trips through the store.
	s := newTestStorage(t)
	if err := s.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("SaveReport() error: %v", err)
	}
	got, err := s.GetReport(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("GetReport() error: %v", err)
	}
	if got.Blocks.TotalTransactions() != 1 {
		t.Errorf("stored TotalTransactions = %d, want 1", got.Blocks.TotalTransactions())
	}
}

func TestBuildReport_Cancelled(t *testing.T) {
	path := logtest.Write(t, logtest.Block(t, 3, logtest.T0))
	reader := logs.NewReader(path, logs.WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := BuildReport(ctx, reader, ReportMeta{}); err == nil {
		t.Error("expected error when the node never goes idle")
	}
}

func TestSnapshotReport_DoesNotWait(t *testing.T) {
	t0 := logtest.T0
	path := logtest.Write(t,
		logtest.Block(t, 3, t0),
		logtest.Steps(t, 700),
		logtest.Block(t, 2, t0.Add(250*time.Millisecond)),
	)

	report, err := SnapshotReport(logs.NewReader(path), ReportMeta{Name: "busy"})
	if err != nil {
		t.Fatalf("SnapshotReport() error: %v", err)
	}
	if report.Blocks.Len() != 2 || report.Blocks.TotalTransactions() != 5 {
		t.Errorf("Blocks = %+v", report.Blocks)
	}
	if report.Blocks.Times[0] != 0 || report.Blocks.Times[1] != 250 {
		t.Errorf("Times = %v, want [0 250]", report.Blocks.Times)
	}
	if report.TotalSteps != 700 {
		t.Errorf("TotalSteps = %d, want 700", report.TotalSteps)
	}
}
