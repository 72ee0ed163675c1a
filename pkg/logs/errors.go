package logs

import (
	"errors"
	"fmt"
)

var (
	// ErrLogUnavailable is returned when the log file cannot be opened or read,
	// usually because the runner has not been created yet or was cleaned up.
	ErrLogUnavailable = errors.New("log file unavailable")

	// ErrMetricFormat is returned when a line the caller asked for does not
	// match the expected message format.
	ErrMetricFormat = errors.New("unexpected log metric format")

	// ErrIdleTimeout is returned when the idle wait exceeds its timeout.
	ErrIdleTimeout = errors.New("timed out waiting for idle block")
)

// ParseError identifies a log line whose metric could not be extracted.
type ParseError struct {
	Path   string // Log file
	Line   int    // 1-based line number
	Text   string // Offending message or line
	Reason string
	Err    error // Underlying strconv/time error, if any
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Reason, e.Text)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrMetricFormat and the underlying cause to errors.Is/As.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMetricFormat}
	}
	return []error{ErrMetricFormat, e.Err}
}
