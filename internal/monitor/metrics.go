package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline counters in Prometheus plus short rolling latency
// windows for the JSON stats endpoint.
type Metrics struct {
	signals    *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	processing *prometheus.HistogramVec
	backend    *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	pollErrors prometheus.Counter

	ProcessLatency *LatencyHistogram
	BackendLatency *LatencyHistogram

	processed uint64
	executed  uint64
	failed    uint64
	errored   uint64
	started   time.Time
}

// NewMetrics constructs and registers the metrics with reg (DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal_trader",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Chat messages seen by the ingestion pipeline, by parse result.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal_trader",
			Subsystem: "lifecycle",
			Name:      "outcomes_total",
			Help:      "Processed signals by lifecycle outcome.",
		}, []string{"outcome"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signal_trader",
			Subsystem: "lifecycle",
			Name:      "process_seconds",
			Help:      "Time from dedup check to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signal_trader",
			Subsystem: "backend",
			Name:      "place_order_seconds",
			Help:      "Execution backend round trip.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "placed"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signal_trader",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Signals waiting for the lifecycle worker.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signal_trader",
			Subsystem: "telegram",
			Name:      "poll_errors_total",
			Help:      "Failed getUpdates calls.",
		}),
		ProcessLatency: NewLatencyHistogram(1000),
		BackendLatency: NewLatencyHistogram(1000),
		started:        time.Now(),
	}
	reg.MustRegister(m.signals, m.outcomes, m.processing, m.backend, m.queueDepth, m.pollErrors)
	return m
}

// ObserveOutcome records one finished lifecycle run.
func (m *Metrics) ObserveOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.processing.WithLabelValues(outcome).Observe(seconds)
	m.ProcessLatency.Record(seconds * 1000)

	atomic.AddUint64(&m.processed, 1)
	switch outcome {
	case "executed":
		atomic.AddUint64(&m.executed, 1)
	case "failed":
		atomic.AddUint64(&m.failed, 1)
	case "errored":
		atomic.AddUint64(&m.errored, 1)
	}
}

// ObserveBackend records one execution backend call.
func (m *Metrics) ObserveBackend(backend string, placed bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if placed {
		label = "true"
	}
	m.backend.WithLabelValues(backend, label).Observe(seconds)
	m.BackendLatency.Record(seconds * 1000)
}

// ObserveMessage counts an incoming chat message by parse result
// ("signal" or "ignored").
func (m *Metrics) ObserveMessage(result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) IncPollErrors() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// Snapshot is a JSON-friendly view of the counters.
type Snapshot struct {
	ProcessLatency LatencyStats `json:"process_latency_ms"`
	BackendLatency LatencyStats `json:"backend_latency_ms"`
	Processed      uint64       `json:"processed"`
	Executed       uint64       `json:"executed"`
	Failed         uint64       `json:"failed"`
	Errored        uint64       `json:"errored"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Uptime         string       `json:"uptime"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		ProcessLatency: m.ProcessLatency.Stats(),
		BackendLatency: m.BackendLatency.Stats(),
		Processed:      atomic.LoadUint64(&m.processed),
		Executed:       atomic.LoadUint64(&m.executed),
		Failed:         atomic.LoadUint64(&m.failed),
		Errored:        atomic.LoadUint64(&m.errored),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Uptime:         time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:      time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of latency samples in milliseconds.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// Stats returns min, max, avg and percentiles, recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}
