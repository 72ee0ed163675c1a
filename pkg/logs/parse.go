package logs

import (
	"strconv"
	"strings"
	"time"
)

// formatError describes why a metric could not be extracted from a message.
type formatError struct {
	reason string
	err    error
}

func (e *formatError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *formatError) Unwrap() error { return e.err }

// blockTimeLayouts are tried in order when parsing an embedded block time.
var blockTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
}

// parseTxCount extracts the transaction count that precedes marker, e.g.
// "⛏️ Block 3 mined with 5 transactions" -> 5.
func parseTxCount(msg, marker string) (uint32, error) {
	limit := strings.Index(msg, marker)
	if limit < 0 {
		return 0, &formatError{reason: "missing " + strconv.Quote(marker) + " in block message"}
	}
	fields := strings.Fields(msg[:limit])
	if len(fields) == 0 {
		return 0, &formatError{reason: "missing transaction count"}
	}
	n, err := strconv.ParseUint(fields[len(fields)-1], 10, 32)
	if err != nil {
		return 0, &formatError{reason: "invalid transaction count", err: err}
	}
	return uint32(n), nil
}

// parseBlockTime extracts the absolute time embedded in a block message as
// its 4th double-quoted token.
func parseBlockTime(msg string) (time.Time, error) {
	parts := strings.Split(msg, `"`)
	if len(parts) <= blockTimeQuotedTokenIndex {
		return time.Time{}, &formatError{reason: "missing embedded block time"}
	}
	raw := parts[blockTimeQuotedTokenIndex]

	var lastErr error
	for _, layout := range blockTimeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		if lastErr == nil {
			lastErr = err
		}
	}
	return time.Time{}, &formatError{reason: "invalid block time", err: lastErr}
}

// parseSteps extracts the step count following marker and preceding the
// next delimiter. found is false if the line does not contain marker.
func parseSteps(line, marker, delimiter string) (steps uint64, found bool, err error) {
	start := strings.Index(line, marker)
	if start < 0 {
		return 0, false, nil
	}
	rest := line[start+len(marker):]
	end := strings.Index(rest, delimiter)
	if end < 0 {
		return 0, true, &formatError{reason: "missing " + strconv.Quote(delimiter) + " after step count"}
	}
	n, err := strconv.ParseUint(rest[:end], 10, 64)
	if err != nil {
		return 0, true, &formatError{reason: "invalid step count", err: err}
	}
	return n, true, nil
}
