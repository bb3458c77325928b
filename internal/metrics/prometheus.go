package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phasestake"

// PrometheusCollector wraps the Collector and mirrors its metrics into
// Prometheus format. Both the JSON output and the Prometheus exposition format
// are served simultaneously.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	refreshCount    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	readFailures    *prometheus.CounterVec
	divergences     prometheus.Counter
	panics          *prometheus.CounterVec

	pendingEntries prometheus.Gauge
	currentPhase   prometheus.Gauge
	maxBlock       prometheus.Gauge
	uptimeSeconds  prometheus.Gauge

	startTime time.Time

	// Per-call read failure totals already pushed, so Sync can add deltas
	lastFailures   map[string]uint64
	lastFailuresMu sync.Mutex
}

// NewPrometheusCollector creates a PrometheusCollector that wraps an existing
// Collector. Metrics live in a dedicated registry, not the global one.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	refreshCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_total",
		Help:      "Refresh cycles by result.",
	}, []string{"result"})

	refreshDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "refresh_duration_seconds",
		Help:      "Duration of refresh cycles that ran.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	readFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_read_failures_total",
		Help:      "Failed ledger reads by call.",
	}, []string{"call"})

	divergences := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eligible_divergence_total",
		Help:      "Ledger eligible-token reads that disagreed with the local computation.",
	})

	panics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goroutine_panics_total",
		Help:      "Recovered goroutine panics by goroutine name.",
	}, []string{"name"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_contributions",
		Help:      "Locally tracked contributions not yet confirmed.",
	})

	phase := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_phase",
		Help:      "Index of the current distribution phase.",
	})

	maxBlock := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "max_observed_block",
		Help:      "Highest block number or timestamp observed.",
	})

	uptimeSec := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the process started in seconds.",
	})

	reg.MustRegister(refreshCount)
	reg.MustRegister(refreshDuration)
	reg.MustRegister(readFailures)
	reg.MustRegister(divergences)
	reg.MustRegister(panics)
	reg.MustRegister(pending)
	reg.MustRegister(phase)
	reg.MustRegister(maxBlock)
	reg.MustRegister(uptimeSec)

	return &PrometheusCollector{
		collector:       c,
		registry:        reg,
		refreshCount:    refreshCount,
		refreshDuration: refreshDuration,
		readFailures:    readFailures,
		divergences:     divergences,
		panics:          panics,
		pendingEntries:  pending,
		currentPhase:    phase,
		maxBlock:        maxBlock,
		uptimeSeconds:   uptimeSec,
		startTime:       time.Now(),
		lastFailures:    make(map[string]uint64),
	}
}

// Registry returns the Prometheus registry used by this collector
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRefresh records a refresh in both collectors
func (p *PrometheusCollector) RecordRefresh(result string, duration time.Duration) {
	p.collector.RecordRefresh(result, duration)
	p.refreshCount.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		p.refreshDuration.Observe(duration.Seconds())
	}
}

// RecordReadFailure records a failed read in the Collector. The Prometheus
// counter catches up on Sync.
func (p *PrometheusCollector) RecordReadFailure(call string) {
	p.collector.RecordReadFailure(call)
}

// RecordDivergence records a divergence in both collectors
func (p *PrometheusCollector) RecordDivergence() {
	p.collector.RecordDivergence()
	p.divergences.Inc()
}

// RecordPanic records a recovered panic in both collectors
func (p *PrometheusCollector) RecordPanic(name string) {
	p.collector.RecordPanic(name)
	p.panics.WithLabelValues(name).Inc()
}

// SetPendingEntries sets the pending gauge in both collectors
func (p *PrometheusCollector) SetPendingEntries(n int) {
	p.collector.SetPendingEntries(n)
	p.pendingEntries.Set(float64(n))
}

// SetCurrentPhase sets the phase gauge in both collectors
func (p *PrometheusCollector) SetCurrentPhase(phase uint64) {
	p.collector.SetCurrentPhase(phase)
	p.currentPhase.Set(float64(phase))
}

// SetMaxBlock sets the max block gauge in both collectors
func (p *PrometheusCollector) SetMaxBlock(v uint64) {
	p.collector.SetMaxBlock(v)
	p.maxBlock.Set(float64(v))
}

// Sync brings the Prometheus side up to date with the Collector. Call it
// before serving metrics.
func (p *PrometheusCollector) Sync() {
	m := p.collector.GetMetrics()

	p.pendingEntries.Set(float64(m.PendingEntries))
	p.currentPhase.Set(float64(m.CurrentPhase))
	p.maxBlock.Set(float64(m.MaxBlock))
	p.uptimeSeconds.Set(m.UptimeSeconds)

	p.lastFailuresMu.Lock()
	for call, total := range m.ReadFailures {
		prev := p.lastFailures[call]
		if total > prev {
			p.readFailures.WithLabelValues(call).Add(float64(total - prev))
		}
		p.lastFailures[call] = total
	}
	p.lastFailuresMu.Unlock()
}

// GetMetrics returns the JSON metrics from the underlying Collector
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// GetMetricsJSON returns JSON-encoded metrics from the underlying Collector
func (p *PrometheusCollector) GetMetricsJSON() ([]byte, error) {
	return p.collector.GetMetricsJSON()
}

// Collector returns the underlying Collector
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler serves metrics in the Prometheus text exposition format,
// syncing from the Collector before each scrape
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Handler serves /metrics (Prometheus) and /metrics.json (Collector JSON)
func (p *PrometheusCollector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.PrometheusHandler())
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		data, err := p.GetMetricsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	return mux
}
