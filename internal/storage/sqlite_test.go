package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gateway-fm/noderunner/pkg/types"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "data", "reports.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReport(id string, started time.Time) *types.RunReport {
	return &types.RunReport{
		ID:              id,
		Name:            "TestHeavy",
		Executable:      "katana",
		Accounts:        3,
		BlockProduction: true,
		StartedAt:       started,
		CompletedAt:     started.Add(time.Minute),
		Blocks: &types.BlockSeries{
			Sizes: []uint32{5, 0},
			Times: []int64{0, 2000},
			Raw:   []string{"block 1", "block 2"},
		},
		Steps:      []uint64{1200, 800},
		TotalSteps: 2000,
		Summary: &types.Summary{
			Steps: &types.SeriesStats{Count: 2, Min: 800, Max: 1200, Avg: 1000, P50: 1000, P90: 1160, P99: 1196},
		},
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"runs", true},
		{"run_blocks", true},
		{"", false},
		{"runs; DROP TABLE runs", false},
		{"name'", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMigrate_AddsColumns(t *testing.T) {
	s := newTestStorage(t)
	if !s.columnExists("runs", "summary") {
		t.Error("summary column should exist after migration")
	}
	// Migrations are idempotent
	if err := s.migrate(); err != nil {
		t.Errorf("second migrate() error: %v", err)
	}
}

func TestSaveAndGetReport(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	want := testReport("run-1", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := s.SaveReport(ctx, want); err != nil {
		t.Fatalf("SaveReport() error: %v", err)
	}

	got, err := s.GetReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetReport() error: %v", err)
	}

	if got.Name != want.Name || got.Executable != want.Executable || got.Accounts != want.Accounts || !got.BlockProduction {
		t.Errorf("metadata = %+v", got)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.CompletedAt.Equal(want.CompletedAt) {
		t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.CompletedAt, want.StartedAt, want.CompletedAt)
	}
	if !reflect.DeepEqual(got.Blocks, want.Blocks) {
		t.Errorf("Blocks = %+v, want %+v", got.Blocks, want.Blocks)
	}
	if !reflect.DeepEqual(got.Steps, want.Steps) || got.TotalSteps != 2000 {
		t.Errorf("Steps = %v (%d), want %v (2000)", got.Steps, got.TotalSteps, want.Steps)
	}
	if got.Summary == nil || !reflect.DeepEqual(got.Summary.Steps, want.Summary.Steps) {
		t.Errorf("Summary = %+v", got.Summary)
	}
}

func TestSaveReport_Replaces(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := testReport("run-1", time.Now().UTC())
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport() error: %v", err)
	}

	r.Blocks = &types.BlockSeries{Sizes: []uint32{1}, Times: []int64{0}, Raw: []string{"only"}}
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("second SaveReport() error: %v", err)
	}

	got, err := s.GetReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetReport() error: %v", err)
	}
	if got.Blocks.Len() != 1 {
		t.Errorf("Blocks.Len() = %d, want 1 after replace", got.Blocks.Len())
	}
}

func TestSaveReport_RequiresID(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveReport(context.Background(), &types.RunReport{}); err == nil {
		t.Error("expected error for empty ID")
	}
}

func TestGetReport_NotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetReport(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport() error = %v, want ErrNotFound", err)
	}
}

func TestListReports(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveReport(ctx, testReport(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveReport(%s) error: %v", id, err)
		}
	}

	page, err := s.ListReports(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListReports() error: %v", err)
	}
	if page.Total != 3 || len(page.Reports) != 2 {
		t.Fatalf("page = total %d, %d reports; want 3, 2", page.Total, len(page.Reports))
	}
	if page.Reports[0].ID != "c" || page.Reports[1].ID != "b" {
		t.Errorf("order = %s, %s; want newest first", page.Reports[0].ID, page.Reports[1].ID)
	}

	page, err = s.ListReports(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListReports() offset error: %v", err)
	}
	if len(page.Reports) != 1 || page.Reports[0].ID != "a" {
		t.Errorf("second page = %+v", page.Reports)
	}

	page, err = s.ListReports(ctx, 0, -5)
	if err != nil {
		t.Fatalf("ListReports() defaults error: %v", err)
	}
	if page.Limit != 20 || page.Offset != 0 {
		t.Errorf("defaults = limit %d offset %d", page.Limit, page.Offset)
	}
}

func TestDeleteReport(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	if err := s.SaveReport(ctx, testReport("gone", time.Now().UTC())); err != nil {
		t.Fatalf("SaveReport() error: %v", err)
	}

	if err := s.DeleteReport(ctx, "gone"); err != nil {
		t.Fatalf("DeleteReport() error: %v", err)
	}
	if _, err := s.GetReport(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport() after delete = %v, want ErrNotFound", err)
	}
	var blocks int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM run_blocks WHERE run_id = 'gone'`).Scan(&blocks); err != nil {
		t.Fatalf("count blocks: %v", err)
	}
	if blocks != 0 {
		t.Errorf("blocks left after delete = %d, want 0", blocks)
	}
	if err := s.DeleteReport(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteReport() = %v, want ErrNotFound", err)
	}
}
