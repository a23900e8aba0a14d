// Package metrics provides monitoring and metrics collection for scanqueue.
// It supports counters, gauges, and histograms with label support for tracking
// task throughput, queue depth and scanner pool load.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     uint64
	Labels    Labels
	Timestamp time.Time
}

// Registry holds all metrics in memory.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value++
		metric.Count++
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeCounter,
		Value:     1,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics[makeKey(name, labels)] = &Metric{
		Name:      name,
		Type:      TypeGauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Histogram records an observation. The in-memory registry keeps the last
// value and the number of observations.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value = value
		metric.Count++
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeHistogram,
		Value:     value,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		m := *metric
		m.Labels = copyLabels(metric.Labels)
		result[key] = &m
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// Key returns the GetMetrics key of a metric series.
func Key(name string, labels Labels) string {
	return makeKey(name, labels)
}

// makeKey creates a unique key for a metric based on name and sorted labels.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry MetricsRegistry = NewRegistry()
)

// SetDefault sets the default metrics registry.
func SetDefault(registry MetricsRegistry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = registry
}

// Default returns the default metrics registry.
func Default() MetricsRegistry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// Counter increments a counter metric on the default registry.
func Counter(name string, labels Labels) {
	Default().Counter(name, labels)
}

// Gauge sets a gauge metric on the default registry.
func Gauge(name string, value float64, labels Labels) {
	Default().Gauge(name, value, labels)
}

// Histogram records a histogram value on the default registry.
func Histogram(name string, value float64, labels Labels) {
	Default().Histogram(name, value, labels)
}

// Timer measures elapsed time into a histogram.
type Timer struct {
	start    time.Time
	name     string
	labels   Labels
	registry MetricsRegistry
}

// NewTimer creates a timer that records into registry, or into the default
// registry when registry is nil.
func NewTimer(registry MetricsRegistry, name string, labels Labels) *Timer {
	if registry == nil {
		registry = Default()
	}
	return &Timer{start: time.Now(), name: name, labels: labels, registry: registry}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.registry.Histogram(t.name, d.Seconds(), t.labels)
	return d
}

// Metric names.
const (
	MetricTasksSubmitted    = "tasks_submitted_total"
	MetricTaskTransitions   = "task_transitions_total"
	MetricTaskDuration      = "task_duration_seconds"
	MetricIdempotentReplays = "idempotent_replays_total"

	MetricQueueDepth     = "queue_depth"
	MetricDLQSize        = "dlq_size"
	MetricDeadLettered   = "dead_lettered_total"
	MetricWorkersActive  = "workers_active"
	MetricTasksProcessed = "tasks_processed_total"

	MetricScannerLoad     = "scanner_load"
	MetricScannerCapacity = "scanner_capacity"
	MetricScannerHealthy  = "scanner_healthy"
	MetricEngineErrors    = "engine_errors_total"

	MetricSweeperRuns      = "sweeper_runs_total"
	MetricSweeperReclaimed = "sweeper_reclaimed_total"

	MetricHTTPRequests = "http_requests_total"
	MetricHTTPDuration = "http_request_duration_seconds"
)

// Common label keys.
const (
	LabelScanType  = "scan_type"
	LabelStatus    = "status"
	LabelPool      = "pool"
	LabelInstance  = "instance"
	LabelOperation = "operation"
	LabelReason    = "reason"
	LabelMethod    = "method"
	LabelPath      = "path"
	LabelComponent = "component"
)

// RecordTransition counts a task entering status.
func RecordTransition(r MetricsRegistry, status, scanType string) {
	r.Counter(MetricTaskTransitions, Labels{LabelStatus: status, LabelScanType: scanType})
}

// RecordTaskDuration records how long a task took to reach a terminal status.
func RecordTaskDuration(r MetricsRegistry, scanType, status string, d time.Duration) {
	r.Histogram(MetricTaskDuration, d.Seconds(), Labels{LabelScanType: scanType, LabelStatus: status})
}

// SetQueueSizes records the queue and dead-letter queue lengths.
func SetQueueSizes(r MetricsRegistry, depth, dlq int64) {
	r.Gauge(MetricQueueDepth, float64(depth), nil)
	r.Gauge(MetricDLQSize, float64(dlq), nil)
}

// RecordEngineError counts a failed scanner engine call.
func RecordEngineError(r MetricsRegistry, pool, operation string) {
	r.Counter(MetricEngineErrors, Labels{LabelPool: pool, LabelOperation: operation})
}
