// Package types contains public API types for the node runner.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// LogRecord is one structured line of the node's log output.
type LogRecord struct {
	Timestamp string    `json:"timestamp"`
	Level     string    `json:"level"`
	Fields    LogFields `json:"fields"`
}

// LogFields is the free-form payload of a LogRecord.
type LogFields struct {
	Message string `json:"message"`
	Target  string `json:"target"`
}

// Time parses the record timestamp as an absolute instant.
func (r LogRecord) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.Timestamp)
}

// BlockSeries holds the metrics derived from the block events observed so far.
// All three slices have the same length and are in log-append order.
type BlockSeries struct {
	Sizes []uint32 `json:"sizes"` // Transactions per block
	Times []int64  `json:"times"` // Milliseconds since the previous block (first entry is 0)
	Raw   []string `json:"raw"`   // Unparsed block messages
}

// Len returns the number of blocks in the series.
func (s *BlockSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Raw)
}

// TotalTransactions sums the per-block transaction counts.
func (s *BlockSeries) TotalTransactions() uint64 {
	if s == nil {
		return 0
	}
	var total uint64
	for _, n := range s.Sizes {
		total += uint64(n)
	}
	return total
}

// RunnerStatus represents the lifecycle state of a fixture runner.
type RunnerStatus string

const (
	StatusStarting RunnerStatus = "starting" // Process spawned, waiting for readiness
	StatusReady    RunnerStatus = "ready"
	StatusStopped  RunnerStatus = "stopped"
	StatusFailed   RunnerStatus = "failed" // Spawn or readiness failed
)

// RunnerStatuses lists every status, in lifecycle order.
var RunnerStatuses = []RunnerStatus{StatusStarting, StatusReady, StatusStopped, StatusFailed}

// RunReport is the persisted result of one benchmark or test run.
type RunReport struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Executable      string       `json:"executable"`
	Accounts        int          `json:"accounts"`
	BlockProduction bool         `json:"blockProduction"`
	StartedAt       time.Time    `json:"startedAt"`
	CompletedAt     time.Time    `json:"completedAt"`
	Blocks          *BlockSeries `json:"blocks"`
	Steps           []uint64     `json:"steps"`
	TotalSteps      uint64       `json:"totalSteps"`
	Summary         *Summary     `json:"summary,omitempty"`
}

// SeriesStats summarizes one numeric series.
type SeriesStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// Summary holds the distribution of block and step metrics of a run.
// A nil field means the series was empty.
type Summary struct {
	BlockIntervalMs   *SeriesStats `json:"blockIntervalMs,omitempty"`
	BlockTransactions *SeriesStats `json:"blockTransactions,omitempty"`
	Steps             *SeriesStats `json:"steps,omitempty"`
}

// PaginatedReports is a page of stored run reports.
type PaginatedReports struct {
	Reports []RunReport `json:"reports"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

// BlockEvent is a single block message streamed to live subscribers.
type BlockEvent struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
	Idle    bool   `json:"idle"`
}
