package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all scanqueue metrics
	namespace = "scanqueue"

	subsystemSystem = "system"
)

// Histogram buckets by metric name. Anything else uses prometheus.DefBuckets.
var histogramBuckets = map[string][]float64{
	MetricTaskDuration: {1, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
	MetricHTTPDuration: {0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
}

// PrometheusMetrics is a MetricsRegistry backed by a Prometheus registry.
// Collectors are created on first use of a metric name; the label names of
// that first call fix the label set for the metric. Every observation is
// mirrored into an in-memory Registry so GetMetrics works the same as for
// the plain registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	mirror   *Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	rejected   map[string]bool

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime time.Time
}

// NewPrometheusMetrics creates a Prometheus-backed registry with the Go and
// process collectors registered.
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		mirror:     NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		rejected:   make(map[string]bool),
		startTime:  time.Now(),
	}
	pm.initSystemMetrics()

	pm.registry.MustRegister(collectors.NewGoCollector())
	pm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return pm
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "memory_bytes",
		Help:      "Current memory usage in bytes",
	})
	pm.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	})
	pm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "uptime_seconds",
		Help:      "Application uptime in seconds",
	})
	pm.registry.MustRegister(pm.memoryUsage, pm.goroutines, pm.uptime)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// SetEnabled enables or disables metrics collection.
func (pm *PrometheusMetrics) SetEnabled(enabled bool) { pm.mirror.SetEnabled(enabled) }

// IsEnabled returns whether metrics collection is enabled.
func (pm *PrometheusMetrics) IsEnabled() bool { return pm.mirror.IsEnabled() }

// Counter increments a counter.
func (pm *PrometheusMetrics) Counter(name string, labels Labels) {
	if !pm.IsEnabled() {
		return
	}
	pm.mirror.Counter(name, labels)

	pm.mu.Lock()
	vec, ok := pm.counters[name]
	if !ok && !pm.rejected[name] {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		vec, _ = register(pm, name, vec)
		pm.counters[name] = vec
	}
	pm.mu.Unlock()

	if vec == nil {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Inc()
	}
}

// Gauge sets a gauge.
func (pm *PrometheusMetrics) Gauge(name string, value float64, labels Labels) {
	if !pm.IsEnabled() {
		return
	}
	pm.mirror.Gauge(name, value, labels)

	pm.mu.Lock()
	vec, ok := pm.gauges[name]
	if !ok && !pm.rejected[name] {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		vec, _ = register(pm, name, vec)
		pm.gauges[name] = vec
	}
	pm.mu.Unlock()

	if vec == nil {
		return
	}
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// Histogram observes a value.
func (pm *PrometheusMetrics) Histogram(name string, value float64, labels Labels) {
	if !pm.IsEnabled() {
		return
	}
	pm.mirror.Histogram(name, value, labels)

	pm.mu.Lock()
	vec, ok := pm.histograms[name]
	if !ok && !pm.rejected[name] {
		buckets, known := histogramBuckets[name]
		if !known {
			buckets = prometheus.DefBuckets
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   buckets,
		}, labelNames(labels))
		vec, _ = register(pm, name, vec)
		pm.histograms[name] = vec
	}
	pm.mu.Unlock()

	if vec == nil {
		return
	}
	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

// register adds a collector, remembering names that fail so the same
// metric is not retried on every call. Must be called with pm.mu held.
func register[T prometheus.Collector](pm *PrometheusMetrics, name string, c T) (T, bool) {
	if err := pm.registry.Register(c); err != nil {
		pm.rejected[name] = true
		var zero T
		return zero, false
	}
	return c, true
}

// GetMetrics returns a snapshot of all current metrics.
func (pm *PrometheusMetrics) GetMetrics() map[string]*Metric {
	return pm.mirror.GetMetrics()
}

// Reset clears every observed value. Registered collectors stay registered.
func (pm *PrometheusMetrics) Reset() {
	pm.mirror.Reset()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, v := range pm.counters {
		if v != nil {
			v.Reset()
		}
	}
	for _, v := range pm.gauges {
		if v != nil {
			v.Reset()
		}
	}
	for _, v := range pm.histograms {
		if v != nil {
			v.Reset()
		}
	}
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var metricHelp = map[string]string{
	MetricTasksSubmitted:    "Tasks accepted for execution by scan type and pool",
	MetricTaskTransitions:   "Task lifecycle transitions by target status",
	MetricTaskDuration:      "Time from task start to a terminal status in seconds",
	MetricIdempotentReplays: "Submissions answered from an existing idempotency key",
	MetricQueueDepth:        "Tasks waiting in the queue",
	MetricDLQSize:           "Entries in the dead-letter queue",
	MetricDeadLettered:      "Tasks moved to the dead-letter queue by reason",
	MetricWorkersActive:     "Workers currently processing a task",
	MetricTasksProcessed:    "Tasks processed by workers by outcome",
	MetricScannerLoad:       "Reserved slots per scanner instance",
	MetricScannerCapacity:   "Configured capacity per scanner instance",
	MetricScannerHealthy:    "1 when the scanner instance is healthy",
	MetricEngineErrors:      "Failed scanner engine calls by operation",
	MetricSweeperRuns:       "Sweeper passes",
	MetricSweeperReclaimed:  "Stale tasks reclaimed by the sweeper",
	MetricHTTPRequests:      "HTTP requests by method, path and status",
	MetricHTTPDuration:      "HTTP request duration in seconds",
}

func helpFor(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return strings.ReplaceAll(name, "_", " ")
}
