// Package logs extracts block and execution telemetry from a node's
// structured log file.
//
// The reader never keeps a cursor: every call opens the file and re-derives
// its result from the first line. The file is written concurrently by the
// node, so the last line may be incomplete; such lines fail to parse and are
// skipped like any other unparseable line.
package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/gateway-fm/noderunner/pkg/types"
)

// DefaultPollInterval is the delay between two polls of the idle wait.
const DefaultPollInterval = time.Second

// Reader derives telemetry from one node log file.
// It is safe for concurrent use.
type Reader struct {
	path         string
	markers      Markers
	pollInterval time.Duration
	idleTimeout  time.Duration
	logger       *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithMarkers overrides the markers used to recognise log events.
// Empty fields keep their default value.
func WithMarkers(m Markers) Option {
	return func(r *Reader) {
		r.markers = m.Merge(DefaultMarkers())
	}
}

// WithPollInterval sets the delay between two polls of the idle wait.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithIdleTimeout bounds the idle wait. Zero means no internal deadline.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Reader) {
		if d >= 0 {
			r.idleTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReader creates a reader for the log file at path.
// The file does not need to exist yet.
func NewReader(path string, opts ...Option) *Reader {
	r := &Reader{
		path:         path,
		markers:      DefaultMarkers(),
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the log file path.
func (r *Reader) Path() string {
	return r.path
}

// Markers returns the markers in use.
func (r *Reader) Markers() Markers {
	return r.markers
}

// logLine is one raw line of the file.
type logLine struct {
	num      int
	text     string
	complete bool // Terminated by a newline
}

// scan calls fn for every line of the file, in order.
func (r *Reader) scan(fn func(logLine) error) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLogUnavailable, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	num := 0
	for {
		text, err := br.ReadString('\n')
		if text != "" {
			num++
			complete := strings.HasSuffix(text, "\n")
			text = strings.TrimRight(text, "\r\n")
			if ferr := fn(logLine{num: num, text: text, complete: complete}); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s: %w", ErrLogUnavailable, r.path, err)
		}
	}
}

// blockEvent is a block message with the line it came from.
type blockEvent struct {
	line    int
	message string
}

// records calls fn for every parseable record.
func (r *Reader) records(fn func(int, types.LogRecord)) error {
	var p fastjson.Parser
	skipped := 0
	err := r.scan(func(l logLine) error {
		rec, ok := parseRecord(&p, l.text)
		if !ok {
			skipped++
			return nil
		}
		fn(l.num, rec)
		return nil
	})
	if err != nil {
		return err
	}
	if skipped > 0 {
		r.logger.Debug("skipped unparseable log lines",
			slog.String("path", r.path),
			slog.Int("count", skipped),
		)
	}
	return nil
}

// Records returns every parseable record in file order.
func (r *Reader) Records() ([]types.LogRecord, error) {
	var out []types.LogRecord
	err := r.records(func(_ int, rec types.LogRecord) {
		out = append(out, rec)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the message of every line in file order: the record
// message for structured lines and the raw text otherwise.
func (r *Reader) Messages() ([]string, error) {
	var (
		p   fastjson.Parser
		out []string
	)
	err := r.scan(func(l logLine) error {
		if rec, ok := parseRecord(&p, l.text); ok {
			out = append(out, rec.Fields.Message)
		} else {
			out = append(out, l.text)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// blockEvents returns every block message with its line number, in file order.
func (r *Reader) blockEvents() ([]blockEvent, error) {
	var events []blockEvent
	err := r.records(func(num int, rec types.LogRecord) {
		if strings.Contains(rec.Fields.Message, r.markers.Block) {
			events = append(events, blockEvent{line: num, message: rec.Fields.Message})
		}
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Blocks returns the block-mined messages logged so far, in file order.
func (r *Reader) Blocks() ([]string, error) {
	events, err := r.blockEvents()
	if err != nil {
		return nil, err
	}
	return messages(events), nil
}

// Contains reports whether any record's message contains marker.
func (r *Reader) Contains(marker string) (bool, error) {
	found := false
	err := r.records(func(_ int, rec types.LogRecord) {
		if !found && strings.Contains(rec.Fields.Message, marker) {
			found = true
		}
	})
	return found, err
}

// ContainsText reports whether any raw line contains marker, structured or
// not. Nodes that print plain text before switching to JSON logs announce
// readiness this way.
func (r *Reader) ContainsText(marker string) (bool, error) {
	found := false
	err := r.scan(func(l logLine) error {
		if strings.Contains(l.text, marker) {
			found = true
			return errStopScan
		}
		return nil
	})
	if errors.Is(err, errStopScan) {
		err = nil
	}
	return found, err
}

var errStopScan = errors.New("stop scan")

// BlocksUntilEmpty waits until the most recent block was mined with zero
// transactions and returns every block message up to that point.
//
// While the chain is busy it polls the file every poll interval until the
// block count grows, then checks the latest block again. The wait ends early
// when ctx is done or the idle timeout elapses.
func (r *Reader) BlocksUntilEmpty(ctx context.Context) ([]string, error) {
	snap, err := r.waitIdle(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Blocks, nil
}

func (r *Reader) waitIdle(ctx context.Context) (Snapshot, error) {
	if r.idleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.idleTimeout, ErrIdleTimeout)
		defer cancel()
	}

	obs := NewObserver(r)
	snap, _, err := obs.Poll()
	if err != nil {
		return Snapshot{}, err
	}

	for !snap.Idle {
		r.logger.Debug("waiting for idle block",
			slog.String("path", r.path),
			slog.Int("blocks", len(snap.Blocks)),
		)
		for {
			select {
			case <-ctx.Done():
				return Snapshot{}, fmt.Errorf("waiting for idle block in %s: %w", r.path, context.Cause(ctx))
			case <-time.After(r.pollInterval):
			}

			var changed bool
			snap, changed, err = obs.Poll()
			if err != nil {
				return Snapshot{}, err
			}
			if changed {
				break
			}
		}
	}
	return snap, nil
}

// BlockSizes waits for the chain to go idle and returns the transaction
// count of every block.
func (r *Reader) BlockSizes(ctx context.Context) ([]uint32, error) {
	snap, err := r.waitIdle(ctx)
	if err != nil {
		return nil, err
	}
	return r.blockSizes(snap.events)
}

// BlockTimes waits for the chain to go idle and returns the milliseconds
// elapsed between consecutive blocks. The first block has no predecessor
// and always reports 0.
func (r *Reader) BlockTimes(ctx context.Context) ([]int64, error) {
	snap, err := r.waitIdle(ctx)
	if err != nil {
		return nil, err
	}
	return r.blockTimes(snap.events)
}

// BlockSeries waits for the chain to go idle once and derives sizes, times
// and raw messages from the same snapshot.
func (r *Reader) BlockSeries(ctx context.Context) (*types.BlockSeries, error) {
	snap, err := r.waitIdle(ctx)
	if err != nil {
		return nil, err
	}
	return r.series(snap.events)
}

func (r *Reader) series(events []blockEvent) (*types.BlockSeries, error) {
	sizes, err := r.blockSizes(events)
	if err != nil {
		return nil, err
	}
	times, err := r.blockTimes(events)
	if err != nil {
		return nil, err
	}
	return &types.BlockSeries{
		Sizes: sizes,
		Times: times,
		Raw:   messages(events),
	}, nil
}

func (r *Reader) blockSizes(events []blockEvent) ([]uint32, error) {
	sizes := make([]uint32, 0, len(events))
	for _, ev := range events {
		n, err := parseTxCount(ev.message, r.markers.TxCount)
		if err != nil {
			return nil, r.parseError(ev.line, ev.message, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func (r *Reader) blockTimes(events []blockEvent) ([]int64, error) {
	times := make([]int64, 0, len(events))
	var prev time.Time
	for i, ev := range events {
		t, err := parseBlockTime(ev.message)
		if err != nil {
			return nil, r.parseError(ev.line, ev.message, err)
		}
		if i == 0 {
			times = append(times, 0)
		} else {
			times = append(times, t.Sub(prev).Milliseconds())
		}
		prev = t
	}
	return times, nil
}

// stepEvent is a line carrying the steps marker, with its count or the
// reason it could not be read.
type stepEvent struct {
	line  int
	text  string
	steps uint64
	err   error
}

// stepEvents returns every steps line in file order. A malformed trailing
// line still being written is left out until it is complete.
func (r *Reader) stepEvents() ([]stepEvent, error) {
	var events []stepEvent
	err := r.scan(func(l logLine) error {
		n, found, err := parseSteps(l.text, r.markers.Steps, r.markers.StepsDelimiter)
		if !found || (err != nil && !l.complete) {
			return nil
		}
		events = append(events, stepEvent{line: l.num, text: l.text, steps: n, err: err})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Steps returns the execution step count of every transaction logged so far,
// in file order. Lines are matched as raw text, independent of the record
// structure.
func (r *Reader) Steps() ([]uint64, error) {
	events, err := r.stepEvents()
	if err != nil {
		return nil, err
	}
	steps := make([]uint64, 0, len(events))
	for _, ev := range events {
		if ev.err != nil {
			return nil, r.parseError(ev.line, ev.text, ev.err)
		}
		steps = append(steps, ev.steps)
	}
	return steps, nil
}

func (r *Reader) parseError(line int, text string, err error) error {
	var fe *formatError
	if errors.As(err, &fe) {
		return &ParseError{Path: r.path, Line: line, Text: text, Reason: fe.reason, Err: fe.err}
	}
	return &ParseError{Path: r.path, Line: line, Text: text, Reason: "invalid metric", Err: err}
}

func messages(events []blockEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.message
	}
	return out
}
