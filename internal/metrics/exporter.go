package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/types"
)

// Exporter turns the node log into Prometheus metrics. Every Sync observes
// only the blocks and steps appended since the previous Sync, so each event
// is counted once.
type Exporter struct {
	BlocksTotal       prometheus.Counter
	BlockTransactions prometheus.Histogram
	BlockInterval     prometheus.Histogram
	ExecutionSteps    prometheus.Histogram
	Idle              prometheus.Gauge
	ParseErrors       prometheus.Counter
	RunnerStatus      *prometheus.GaugeVec

	observer *logs.Observer
	logger   *slog.Logger

	mu            sync.Mutex
	blocks        int
	steps         int
	lastBlockTime time.Time
	hasBlockTime  bool
	intervals     *StreamingStats
	txs           *StreamingStats
	stepStats     *StreamingStats
}

// NewExporter creates and registers the exporter metrics on reg.
func NewExporter(reg prometheus.Registerer, observer *logs.Observer, logger *slog.Logger) *Exporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	factory := promauto.With(reg)

	return &Exporter{
		BlocksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "noderunner_blocks_total",
				Help: "Blocks mined by the node",
			},
		),

		BlockTransactions: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noderunner_block_transactions",
				Help:    "Transactions per block",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		BlockInterval: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noderunner_block_interval_seconds",
				Help:    "Time between consecutive blocks in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),

		ExecutionSteps: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noderunner_execution_steps",
				Help:    "Execution steps per transaction",
				Buckets: prometheus.ExponentialBuckets(100, 4, 10),
			},
		),

		Idle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "noderunner_idle",
				Help: "1 if the latest block was mined with no transactions, 0 otherwise",
			},
		),

		ParseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "noderunner_parse_errors_total",
				Help: "Malformed block or step lines in the node log",
			},
		),

		RunnerStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noderunner_runner_status",
				Help: "Current runner status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		observer:  observer,
		logger:    logger,
		intervals: NewStreamingStats(),
		txs:       NewStreamingStats(),
		stepStats: NewStreamingStats(),
	}
}

// SetStatus marks status as the active runner status.
func (e *Exporter) SetStatus(status types.RunnerStatus) {
	for _, s := range types.RunnerStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		e.RunnerStatus.WithLabelValues(string(s)).Set(v)
	}
}

// Sync polls the log and observes new blocks and steps. Each block and
// steps line is read once: a malformed one is counted as a parse error and
// skipped, and the first such error of this sync is returned.
func (e *Exporter) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, _, err := e.observer.Poll()
	if err != nil {
		return err
	}
	if snap.Idle {
		e.Idle.Set(1)
	} else {
		e.Idle.Set(0)
	}

	var parseErr error
	record := func(err error) {
		e.recordParseError(err)
		if parseErr == nil {
			parseErr = err
		}
	}

	for _, m := range e.observer.BlockMetrics(snap, e.blocks) {
		e.BlocksTotal.Inc()
		if m.SizeErr == nil {
			e.BlockTransactions.Observe(float64(m.Size))
			e.txs.Add(float64(m.Size))
		}
		if m.TimeErr == nil {
			if e.hasBlockTime {
				ms := m.Time.Sub(e.lastBlockTime).Milliseconds()
				e.BlockInterval.Observe(float64(ms) / 1000)
				e.intervals.Add(float64(ms))
			}
			e.lastBlockTime = m.Time
		}
		e.hasBlockTime = m.TimeErr == nil

		switch {
		case m.SizeErr != nil:
			record(m.SizeErr)
		case m.TimeErr != nil:
			record(m.TimeErr)
		}
	}
	e.blocks = max(e.blocks, len(snap.Blocks))

	steps, err := e.observer.StepMetrics(e.steps)
	if err != nil {
		return err
	}
	for _, m := range steps {
		if m.Err != nil {
			record(m.Err)
			continue
		}
		e.ExecutionSteps.Observe(float64(m.Steps))
		e.stepStats.Add(float64(m.Steps))
	}
	e.steps += len(steps)
	return parseErr
}

// recordParseError counts a malformed line. Sync visits every line once,
// so each line is counted once.
func (e *Exporter) recordParseError(err error) {
	var pe *logs.ParseError
	if !errors.As(err, &pe) {
		return
	}
	e.ParseErrors.Inc()
	e.logger.Warn("malformed node log line",
		slog.String("path", pe.Path),
		slog.Int("line", pe.Line),
		slog.String("reason", pe.Reason),
	)
}

// Summary returns the distributions observed so far.
func (e *Exporter) Summary() *types.Summary {
	return &types.Summary{
		BlockIntervalMs:   e.intervals.Stats(),
		BlockTransactions: e.txs.Stats(),
		Steps:             e.stepStats.Stats(),
	}
}

// Run calls Sync every interval until ctx is done.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.Sync(); err != nil && !errors.Is(err, logs.ErrMetricFormat) {
			e.logger.Debug("metrics sync failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
