// Package metrics provides Prometheus metrics for the ladder service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every collector the service exports.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Ladder
	matchesRecorded    *prometheus.CounterVec
	rankMutations      *prometheus.CounterVec
	competitorsAdded   prometheus.Counter
	competitorsRemoved prometheus.Counter
	competitorsTotal   prometheus.Gauge
	matchesTotal       prometheus.Gauge
	resultsDuplicate   prometheus.Counter
	resultsProcessed   *prometheus.CounterVec

	// Store
	unitOfWorkDuration *prometheus.HistogramVec
	unitOfWorkErrors   *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Worker
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Errors
	errorsByComponent *prometheus.CounterVec
	errorsByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "ladder",
		subsystem:        "",
		histogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.matchesRecorded = m.counterVec("matches_recorded_total",
		"Matches recorded, by classifier branch", "branch")
	m.rankMutations = m.counterVec("rank_mutations_total",
		"Rank store mutations issued by the update engine, by operation", "op")
	m.competitorsAdded = m.counter("competitors_added_total", "Competitors appended to the ladder")
	m.competitorsRemoved = m.counter("competitors_removed_total", "Competitors removed from the ladder")
	m.competitorsTotal = m.gauge("competitors", "Competitors currently on the ladder")
	m.matchesTotal = m.gauge("matches", "Matches currently stored")
	m.resultsDuplicate = m.counter("results_duplicate_total", "Result submissions rejected as duplicates")
	m.resultsProcessed = m.counterVec("results_processed_total",
		"Queued results applied by workers, by status", "status")

	m.unitOfWorkDuration = m.histogramVec("store_unit_of_work_duration_milliseconds",
		"Duration of store units of work", "store", "mode")
	m.unitOfWorkErrors = m.counterVec("store_unit_of_work_errors_total",
		"Units of work that rolled back with an error", "store", "mode")

	m.httpRequests = m.counterVec("http_requests_total",
		"HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds",
		"HTTP request duration", "endpoint", "method", "status_code")

	m.queueSize = m.gauge("queue_size", "Results waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueue_total", "Results enqueued")
	m.queueDequeued = m.counter("queue_dequeue_total", "Results dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Rejected enqueue attempts")

	m.workerCount = m.gauge("worker_count", "Result workers running")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds",
		"Time a worker spends applying one result")
	m.workerErrors = m.counter("worker_errors_total", "Results a worker failed to apply")

	m.errorsByComponent = m.counterVec("errors_by_component_total",
		"Errors by component and type", "component", "error_type")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total",
		"HTTP errors by endpoint, method and type", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordMatch counts a recorded match under its classifier branch.
func RecordMatch(branch string) {
	globalManager.matchesRecorded.WithLabelValues(branch).Inc()
}

// RecordRankMutation counts one rank store mutation.
func RecordRankMutation(op string) {
	globalManager.rankMutations.WithLabelValues(op).Inc()
}

// RecordCompetitorAdded increments the added competitors counter.
func RecordCompetitorAdded() {
	globalManager.competitorsAdded.Inc()
}

// RecordCompetitorRemoved increments the removed competitors counter.
func RecordCompetitorRemoved() {
	globalManager.competitorsRemoved.Inc()
}

// UpdateCompetitorCount sets the competitors gauge.
func UpdateCompetitorCount(n int) {
	globalManager.competitorsTotal.Set(float64(n))
}

// UpdateMatchCount sets the matches gauge.
func UpdateMatchCount(n int) {
	globalManager.matchesTotal.Set(float64(n))
}

// RecordResultDuplicate counts a duplicate result submission.
func RecordResultDuplicate() {
	globalManager.resultsDuplicate.Inc()
}

// RecordResultProcessed counts a queued result by outcome ("applied" or "failed").
func RecordResultProcessed(status string) {
	globalManager.resultsProcessed.WithLabelValues(status).Inc()
}

// RecordUnitOfWork observes a unit of work and counts it as failed when err is set.
func RecordUnitOfWork(store, mode string, latencyMs float64, err error) {
	globalManager.unitOfWorkDuration.WithLabelValues(store, mode).Observe(latencyMs)
	if err != nil {
		globalManager.unitOfWorkErrors.WithLabelValues(store, mode).Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateQueueSize sets the current queue size and utilization.
func UpdateQueueSize(size, capacity int) {
	globalManager.queueSize.Set(float64(size))
	if capacity > 0 {
		globalManager.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// UpdateWorkerCount sets the number of running workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
