package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/noderunner/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt field does not hide a report.
func unmarshalJSON(data string, v any, field string, runID string) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode so a report can be read while a run is being saved
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		executable TEXT NOT NULL,
		accounts INTEGER NOT NULL,
		block_production INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		block_count INTEGER DEFAULT 0,
		total_transactions INTEGER DEFAULT 0,
		total_steps INTEGER DEFAULT 0,
		steps TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS run_blocks (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		transactions INTEGER NOT NULL,
		interval_ms INTEGER NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "summary", "ALTER TABLE runs ADD COLUMN summary TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated since they cannot be bound as parameters.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveReport inserts or replaces a report and its block series.
func (s *SQLiteStorage) SaveReport(ctx context.Context, report *types.RunReport) error {
	if report.ID == "" {
		return errors.New("report ID is required")
	}

	stepsJSON, err := json.Marshal(report.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	summaryJSON, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	var blockCount int
	var totalTxs uint64
	if report.Blocks != nil {
		blockCount = report.Blocks.Len()
		totalTxs = report.Blocks.TotalTransactions()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, name, executable, accounts, block_production, started_at, completed_at,
			block_count, total_transactions, total_steps, steps, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.ID, report.Name, report.Executable, report.Accounts, report.BlockProduction,
		report.StartedAt, nullTime(report.CompletedAt), blockCount, totalTxs, report.TotalSteps,
		string(stepsJSON), string(summaryJSON))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_blocks WHERE run_id = ?`, report.ID); err != nil {
		return fmt.Errorf("failed to clear blocks: %w", err)
	}

	if report.Blocks != nil && blockCount > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO run_blocks (run_id, idx, transactions, interval_ms, message)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := 0; i < blockCount; i++ {
			if _, err := stmt.ExecContext(ctx, report.ID, i, report.Blocks.Sizes[i], report.Blocks.Times[i], report.Blocks.Raw[i]); err != nil {
				return fmt.Errorf("failed to insert block %d: %w", i, err)
			}
		}
	}

	return tx.Commit()
}

// GetReport retrieves a report with its block series.
func (s *SQLiteStorage) GetReport(ctx context.Context, id string) (*types.RunReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, executable, accounts, block_production, started_at, completed_at, total_steps, steps, summary
		FROM runs WHERE id = ?
	`, id)

	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	blocks, err := s.getBlocks(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Blocks = blocks
	return report, nil
}

func (s *SQLiteStorage) getBlocks(ctx context.Context, id string) (*types.BlockSeries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transactions, interval_ms, message FROM run_blocks WHERE run_id = ? ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	series := &types.BlockSeries{Sizes: []uint32{}, Times: []int64{}, Raw: []string{}}
	for rows.Next() {
		var size uint32
		var interval int64
		var msg string
		if err := rows.Scan(&size, &interval, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		series.Sizes = append(series.Sizes, size)
		series.Times = append(series.Times, interval)
		series.Raw = append(series.Raw, msg)
	}
	return series, rows.Err()
}

// ListReports returns reports newest first, without their block series.
func (s *SQLiteStorage) ListReports(ctx context.Context, limit, offset int) (*types.PaginatedReports, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, executable, accounts, block_production, started_at, completed_at, total_steps, steps, summary
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	reports := []types.RunReport{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.PaginatedReports{
		Reports: reports,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// DeleteReport removes a report and its blocks.
func (s *SQLiteStorage) DeleteReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*types.RunReport, error) {
	var (
		r           types.RunReport
		completedAt sql.NullTime
		steps       sql.NullString
		summary     sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Executable, &r.Accounts, &r.BlockProduction,
		&r.StartedAt, &completedAt, &r.TotalSteps, &steps, &summary)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	unmarshalJSON(steps.String, &r.Steps, "steps", r.ID)
	unmarshalJSON(summary.String, &r.Summary, "summary", r.ID)
	return &r, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
