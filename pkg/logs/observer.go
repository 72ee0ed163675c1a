package logs

import (
	"strings"
	"sync"
	"time"
)

// Snapshot is the block view derived by one poll.
type Snapshot struct {
	// Blocks holds every block message, in file order.
	Blocks []string

	// Idle is true when the latest block carries the idle marker.
	Idle bool

	events []blockEvent
}

// Observer polls a Reader and reports whether the block view grew since
// the previous poll. It is safe for concurrent use.
type Observer struct {
	reader *Reader

	mu   sync.Mutex
	seen int
}

// NewObserver creates an observer over r. The first Poll reports a change
// if any block exists.
func NewObserver(r *Reader) *Observer {
	return &Observer{reader: r}
}

// Reader returns the underlying reader.
func (o *Observer) Reader() *Reader {
	return o.reader
}

// Poll re-reads the log and returns the current snapshot. changed is true
// when more blocks are visible than at the previous poll.
func (o *Observer) Poll() (snap Snapshot, changed bool, err error) {
	events, err := o.reader.blockEvents()
	if err != nil {
		return Snapshot{}, false, err
	}

	snap = Snapshot{
		Blocks: messages(events),
		events: events,
	}
	if n := len(events); n > 0 {
		snap.Idle = strings.Contains(events[n-1].message, o.reader.markers.Idle)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	changed = len(events) > o.seen
	if changed {
		o.seen = len(events)
	}
	return snap, changed, nil
}

// Seen returns the block count observed by the latest poll that reported a change.
func (o *Observer) Seen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen
}

// Series derives block sizes and times from a snapshot without waiting.
func (o *Observer) Series(snap Snapshot) (sizes []uint32, times []int64, err error) {
	sizes, err = o.reader.blockSizes(snap.events)
	if err != nil {
		return nil, nil, err
	}
	times, err = o.reader.blockTimes(snap.events)
	if err != nil {
		return nil, nil, err
	}
	return sizes, times, nil
}

// BlockMetric is what one block message says. SizeErr and TimeErr are
// *ParseError values for the parts that could not be read.
type BlockMetric struct {
	Size    uint32
	SizeErr error
	Time    time.Time
	TimeErr error
}

// BlockMetrics derives the metrics of every block in snap from index from
// on. Each block is read on its own, so a malformed message does not hide
// the blocks after it.
func (o *Observer) BlockMetrics(snap Snapshot, from int) []BlockMetric {
	if from < 0 {
		from = 0
	}
	if from >= len(snap.events) {
		return nil
	}
	r := o.reader
	out := make([]BlockMetric, 0, len(snap.events)-from)
	for _, ev := range snap.events[from:] {
		var m BlockMetric
		n, err := parseTxCount(ev.message, r.markers.TxCount)
		if err != nil {
			m.SizeErr = r.parseError(ev.line, ev.message, err)
		} else {
			m.Size = n
		}
		t, err := parseBlockTime(ev.message)
		if err != nil {
			m.TimeErr = r.parseError(ev.line, ev.message, err)
		} else {
			m.Time = t
		}
		out = append(out, m)
	}
	return out
}

// StepMetric is one steps line. Err is a *ParseError when the count could
// not be read.
type StepMetric struct {
	Steps uint64
	Err   error
}

// StepMetrics re-reads the log and returns the steps lines from index from
// on, each read on its own.
func (o *Observer) StepMetrics(from int) ([]StepMetric, error) {
	events, err := o.reader.stepEvents()
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if from >= len(events) {
		return nil, nil
	}
	out := make([]StepMetric, 0, len(events)-from)
	for _, ev := range events[from:] {
		m := StepMetric{Steps: ev.steps}
		if ev.err != nil {
			m.Err = o.reader.parseError(ev.line, ev.text, ev.err)
		}
		out = append(out, m)
	}
	return out, nil
}
