package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Refresh results
const (
	ResultOK       = "ok"
	ResultDegraded = "degraded"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Recorder is what sessions report into
type Recorder interface {
	RecordRefresh(result string, duration time.Duration)
	RecordReadFailure(call string)
	RecordDivergence()
	RecordPanic(name string)
	SetPendingEntries(n int)
	SetCurrentPhase(phase uint64)
	SetMaxBlock(v uint64)
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = (*PrometheusCollector)(nil)
)

// Collector collects and aggregates metrics for the refresh loop
type Collector struct {
	// Refresh counts by result
	refreshCounts   map[string]*uint64
	refreshCountsMu sync.RWMutex

	// Refresh durations
	refreshLatency *LatencyHistogram

	// Failed ledger reads by call
	readFailures   map[string]*uint64
	readFailuresMu sync.RWMutex

	divergences    uint64
	panics         uint64
	pendingEntries int64
	currentPhase   uint64
	maxBlock       uint64

	// Start time for uptime calculation
	startTime time.Time
}

// LatencyHistogram tracks durations in buckets
type LatencyHistogram struct {
	// Buckets: [0-10ms], [10-50ms], [50-100ms], [100-250ms], [250-500ms], [500ms-1s], [1-2.5s], [2.5-5s], [5-10s], [10s+]
	buckets [10]uint64
	sum     uint64 // Total latency in nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var bucketLabels = []string{
	"0-10ms", "10-50ms", "50-100ms", "100-250ms", "250-500ms",
	"500ms-1s", "1-2.5s", "2.5-5s", "5-10s", "10s+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		refreshCounts:  make(map[string]*uint64),
		refreshLatency: &LatencyHistogram{},
		readFailures:   make(map[string]*uint64),
		startTime:      time.Now(),
	}
}

func counterFor(mu *sync.RWMutex, m map[string]*uint64, key string) *uint64 {
	mu.Lock()
	defer mu.Unlock()
	counter, exists := m[key]
	if !exists {
		var val uint64
		counter = &val
		m[key] = counter
	}
	return counter
}

func snapshot(mu *sync.RWMutex, m map[string]*uint64) map[string]uint64 {
	out := make(map[string]uint64)
	mu.RLock()
	defer mu.RUnlock()
	for k, counter := range m {
		out[k] = atomic.LoadUint64(counter)
	}
	return out
}

// RecordRefresh records one refresh cycle and its duration. Skipped cycles
// never ran, so they do not feed the histogram.
func (c *Collector) RecordRefresh(result string, duration time.Duration) {
	atomic.AddUint64(counterFor(&c.refreshCountsMu, c.refreshCounts, result), 1)
	if result != ResultSkipped {
		c.refreshLatency.Record(duration)
	}
}

// RecordReadFailure counts a failed ledger read
func (c *Collector) RecordReadFailure(call string) {
	atomic.AddUint64(counterFor(&c.readFailuresMu, c.readFailures, call), 1)
}

// RecordDivergence counts a ledger/local eligible-token disagreement
func (c *Collector) RecordDivergence() {
	atomic.AddUint64(&c.divergences, 1)
}

// RecordPanic counts a recovered goroutine panic
func (c *Collector) RecordPanic(string) {
	atomic.AddUint64(&c.panics, 1)
}

// SetPendingEntries sets the pending contribution gauge
func (c *Collector) SetPendingEntries(n int) {
	atomic.StoreInt64(&c.pendingEntries, int64(n))
}

// SetCurrentPhase sets the current phase gauge
func (c *Collector) SetCurrentPhase(phase uint64) {
	atomic.StoreUint64(&c.currentPhase, phase)
}

// SetMaxBlock sets the highest observed block or timestamp
func (c *Collector) SetMaxBlock(v uint64) {
	atomic.StoreUint64(&c.maxBlock, v)
}

// Record records a duration in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	bucketIdx := len(bucketBoundaries) // overflow
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

func (h *LatencyHistogram) stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		SumMs:   float64(h.sum) / float64(time.Millisecond),
		Buckets: make(map[string]uint64),
	}
	if h.count > 0 {
		stats.AvgMs = float64(h.sum) / float64(h.count) / float64(time.Millisecond)
	}
	for i, count := range h.buckets {
		if count > 0 {
			stats.Buckets[bucketLabels[i]] = count
		}
	}
	return stats
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime         string            `json:"uptime"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	Refreshes      map[string]uint64 `json:"refreshes"`
	RefreshLatency LatencyStats      `json:"refresh_latency"`
	ReadFailures   map[string]uint64 `json:"read_failures"`
	Divergences    uint64            `json:"divergences"`
	Panics         uint64            `json:"panics"`
	PendingEntries int64             `json:"pending_entries"`
	CurrentPhase   uint64            `json:"current_phase"`
	MaxBlock       uint64            `json:"max_block"`
	CollectedAt    time.Time         `json:"collected_at"`
}

// LatencyStats contains latency statistics
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)

	return &Metrics{
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		Refreshes:      snapshot(&c.refreshCountsMu, c.refreshCounts),
		RefreshLatency: c.refreshLatency.stats(),
		ReadFailures:   snapshot(&c.readFailuresMu, c.readFailures),
		Divergences:    atomic.LoadUint64(&c.divergences),
		Panics:         atomic.LoadUint64(&c.panics),
		PendingEntries: atomic.LoadInt64(&c.pendingEntries),
		CurrentPhase:   atomic.LoadUint64(&c.currentPhase),
		MaxBlock:       atomic.LoadUint64(&c.maxBlock),
		CollectedAt:    time.Now(),
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.refreshCountsMu.Lock()
	c.refreshCounts = make(map[string]*uint64)
	c.refreshCountsMu.Unlock()

	c.readFailuresMu.Lock()
	c.readFailures = make(map[string]*uint64)
	c.readFailuresMu.Unlock()

	c.refreshLatency.mu.Lock()
	c.refreshLatency.buckets = [10]uint64{}
	c.refreshLatency.sum, c.refreshLatency.count = 0, 0
	c.refreshLatency.mu.Unlock()

	atomic.StoreUint64(&c.divergences, 0)
	atomic.StoreUint64(&c.panics, 0)
	atomic.StoreInt64(&c.pendingEntries, 0)
	atomic.StoreUint64(&c.currentPhase, 0)
	atomic.StoreUint64(&c.maxBlock, 0)
	c.startTime = time.Now()
}
