package validator

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencyWindow bounds how many recent validation latencies feed the
// quantile snapshot
const latencyWindow = 512

// MetricsSnapshot is a point-in-time report of orchestrator activity
type MetricsSnapshot struct {
	Requested            uint64  `json:"requested"`
	Validated            uint64  `json:"validated"`
	Failed               uint64  `json:"failed"`
	CacheHits            uint64  `json:"cache_hits"`
	StaleServed          uint64  `json:"stale_served"`
	Retries              uint64  `json:"retries"`
	HeadTimestampFetches uint64  `json:"head_timestamp_fetches"`
	TotalLatencyMS       float64 `json:"total_latency_ms"`
	MeanLatencyMS        float64 `json:"mean_latency_ms"`
	P50LatencyMS         float64 `json:"p50_latency_ms"`
	P90LatencyMS         float64 `json:"p90_latency_ms"`
	P99LatencyMS         float64 `json:"p99_latency_ms"`
}

// metrics collects orchestrator counters and a bounded ring of recent
// validation latencies. Counters are never persisted.
type metrics struct {
	mu                   sync.Mutex
	requested            uint64
	validated            uint64
	failed               uint64
	cacheHits            uint64
	staleServed          uint64
	retries              uint64
	headTimestampFetches uint64

	totalLatency time.Duration
	latencies    []float64 // Milliseconds, ring buffer
	next         int
	filled       bool
}

func newMetrics() *metrics {
	return &metrics{latencies: make([]float64, latencyWindow)}
}

func (m *metrics) recordValidation(d time.Duration, attempts int, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if valid {
		m.validated++
	} else {
		m.failed++
	}
	if attempts > 1 {
		m.retries += uint64(attempts - 1)
	}
	m.totalLatency += d

	m.latencies[m.next] = float64(d.Milliseconds())
	m.next++
	if m.next == len(m.latencies) {
		m.next = 0
		m.filled = true
	}
}

func (m *metrics) incRequested() { m.mu.Lock(); m.requested++; m.mu.Unlock() }
func (m *metrics) incCacheHit()  { m.mu.Lock(); m.cacheHits++; m.mu.Unlock() }
func (m *metrics) incStale()     { m.mu.Lock(); m.staleServed++; m.mu.Unlock() }
func (m *metrics) incHeadFetch() { m.mu.Lock(); m.headTimestampFetches++; m.mu.Unlock() }

// snapshot computes latency statistics over the recorded window
func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Requested:            m.requested,
		Validated:            m.validated,
		Failed:               m.failed,
		CacheHits:            m.cacheHits,
		StaleServed:          m.staleServed,
		Retries:              m.retries,
		HeadTimestampFetches: m.headTimestampFetches,
		TotalLatencyMS:       float64(m.totalLatency.Milliseconds()),
	}

	count := m.next
	if m.filled {
		count = len(m.latencies)
	}
	if count == 0 {
		return snap
	}

	window := make([]float64, count)
	copy(window, m.latencies[:count])
	sort.Float64s(window)

	snap.MeanLatencyMS = stat.Mean(window, nil)
	snap.P50LatencyMS = stat.Quantile(0.5, stat.Empirical, window, nil)
	snap.P90LatencyMS = stat.Quantile(0.9, stat.Empirical, window, nil)
	snap.P99LatencyMS = stat.Quantile(0.99, stat.Empirical, window, nil)
	return snap
}
