// Package metrics exports node log telemetry to Prometheus and summarizes
// block and step series.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/gateway-fm/noderunner/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentile
// estimation. Series shorter than this get exact percentiles.
const DefaultReservoirSize = 10000

// StreamingStats provides streaming percentile calculation.
// Uses reservoir sampling (Algorithm R) so memory stays bounded on long runs.
// It is safe for concurrent use.
type StreamingStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int

	// Per-instance xorshift64* state
	randState uint64
}

// NewStreamingStats creates an empty calculator.
func NewStreamingStats() *StreamingStats {
	return newStreamingStats(DefaultReservoirSize)
}

func newStreamingStats(size int) *StreamingStats {
	return &StreamingStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, min(size, 1024)),
		reservoirSize: size,
		randState:     1,
	}
}

// Add records a sample.
func (s *StreamingStats) Add(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += v
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, v)
		return
	}
	// Replace with probability reservoirSize/count
	if j := s.fastRand() % uint64(s.count); j < uint64(s.reservoirSize) {
		s.reservoir[j] = v
	}
}

func (s *StreamingStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Stats returns the current statistics, or nil if no sample was added.
func (s *StreamingStats) Stats() *types.SeriesStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	return &types.SeriesStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
}

// Count returns the number of samples recorded.
func (s *StreamingStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Summarize computes the distributions of a block series and step series.
// Block intervals skip the leading zero of Times.
func Summarize(series *types.BlockSeries, steps []uint64) *types.Summary {
	intervals, txs, st := NewStreamingStats(), NewStreamingStats(), NewStreamingStats()
	if series != nil {
		for i, size := range series.Sizes {
			txs.Add(float64(size))
			if i > 0 && i < len(series.Times) {
				intervals.Add(float64(series.Times[i]))
			}
		}
	}
	for _, n := range steps {
		st.Add(float64(n))
	}
	return &types.Summary{
		BlockIntervalMs:   intervals.Stats(),
		BlockTransactions: txs.Stats(),
		Steps:             st.Stats(),
	}
}
