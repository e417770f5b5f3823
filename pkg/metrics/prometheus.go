// Package metrics provides Prometheus metrics for the statuswatch engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	refreshInterval  time.Duration
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Fetch cycle metrics
	fetchCycles         *prometheus.CounterVec
	fetchAttempts       *prometheus.CounterVec
	fetchDuration       prometheus.Histogram
	recordsRejected     *prometheus.CounterVec
	trackedEntities     prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	lastSuccessUnix     prometheus.Gauge

	// Change detection metrics
	changeEvents      *prometheus.CounterVec
	snapshotConflicts prometheus.Counter
	staleObservations prometheus.Counter
	diffDuration      prometheus.Histogram
	outboxPending     prometheus.Gauge
	outboxReplayed    prometheus.Counter

	// Resolution metrics
	preferenceErrors   *prometheus.CounterVec
	recipientsResolved prometheus.Counter

	// Dispatch metrics
	intentsTerminal      *prometheus.CounterVec
	sendAttempts         *prometheus.CounterVec
	sendLatency          *prometheus.HistogramVec
	duplicatesSuppressed *prometheus.CounterVec
	scheduledIntents     prometheus.Gauge
	activeLanes          prometheus.Gauge

	// Queue metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec
	queueWait          prometheus.Histogram

	// Worker metrics
	workerActiveCount       prometheus.Gauge
	workerBusyCount         prometheus.Gauge
	workerProcessingLatency prometheus.Histogram

	// Feed metrics
	feedClients prometheus.Gauge
	feedDropped prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByEndpoint    *prometheus.CounterVec

	// Error metrics
	errorsByComponent *prometheus.CounterVec

	// System metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// Configure rebuilds the global manager on a fresh registry with opts applied.
// It must run at startup, before any metric is recorded.
func Configure(opts ...Option) {
	customRegistry = prometheus.NewRegistry()
	globalManager = NewManager(append([]Option{WithPrometheusRegistry(customRegistry)}, opts...)...)
}

// RefreshInterval returns the gauge refresh interval of the global manager.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "statuswatch",
		subsystem:        "engine",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		refreshInterval:  defaultRefreshInterval,
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// RefreshInterval returns how often gauge updaters should run.
func (m *Manager) RefreshInterval() time.Duration {
	return m.refreshInterval
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

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric
	b := m.histogramBuckets

	m.fetchCycles = m.counterVec("fetch_cycles_total", "Fetch cycles by outcome (success, degraded, failed)", "outcome")
	m.fetchAttempts = m.counterVec("fetch_attempts_total", "Provider requests by result", "result")
	m.fetchDuration = m.histogram("fetch_duration_milliseconds", "Duration of a full fetch including retries", b)
	m.recordsRejected = m.counterVec("records_rejected_total", "Provider records dropped during validation", "reason")
	m.trackedEntities = m.gauge("tracked_entities", "Entities with a stored snapshot")
	m.consecutiveFailures = m.gauge("fetch_consecutive_failures", "Consecutive failed or degraded cycles")
	m.lastSuccessUnix = m.gauge("fetch_last_success_unix", "Unix time of the last successful cycle")

	m.changeEvents = m.counterVec("change_events_total", "Change events committed by class", "class")
	m.snapshotConflicts = m.counter("snapshot_conflicts_total", "Optimistic revision conflicts on snapshot commit")
	m.staleObservations = m.counter("stale_observations_total", "Observations older than the stored snapshot, ignored")
	m.diffDuration = m.histogram("diff_duration_milliseconds", "Duration of the diff and commit phase", b)
	m.outboxPending = m.gauge("outbox_pending", "Committed change events not yet handed to the dispatcher")
	m.outboxReplayed = m.counter("outbox_replayed_total", "Change events replayed from the outbox at startup")

	m.preferenceErrors = m.counterVec("preference_errors_total", "Subscriptions skipped because preferences could not be resolved", "reason")
	m.recipientsResolved = m.counter("recipients_resolved_total", "Recipient entries produced by the resolver")

	m.intentsTerminal = m.counterVec("intents_total", "Notification intents reaching a terminal state", "channel", "state")
	m.sendAttempts = m.counterVec("send_attempts_total", "Channel adapter send attempts by result", "channel", "result")
	m.sendLatency = m.histogramVec("send_latency_milliseconds", "Channel adapter send latency", b, "channel")
	m.duplicatesSuppressed = m.counterVec("duplicates_suppressed_total", "Intents suppressed by the dedup window", "channel")
	m.scheduledIntents = m.gauge("scheduled_intents", "Intents waiting for a quiet-hours window to end")
	m.activeLanes = m.gauge("active_lanes", "Delivery lanes with queued intents")

	m.queueSize = m.gauge("queue_size", "Current size of the intent queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum capacity of the intent queue")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Intents enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Intents dequeued")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Failed enqueue operations by reason", "reason")
	m.queueWait = m.histogram("queue_wait_milliseconds", "Time spent blocked on a full queue", b)

	m.workerActiveCount = m.gauge("worker_active_count", "Workers in the pool")
	m.workerBusyCount = m.gauge("worker_busy_count", "Workers currently running a send")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Time a worker spends on one intent", b)

	m.feedClients = m.gauge("feed_clients", "Connected real-time feed clients")
	m.feedDropped = m.counter("feed_dropped_total", "Feed messages dropped for slow clients")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", b, "endpoint", "method", "status_code")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total", "HTTP errors by endpoint", "endpoint", "method", "error_type")

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Average GC pause time",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Fetch cycle metrics.

// RecordFetchCycle counts a finished cycle by outcome.
func RecordFetchCycle(outcome string) {
	globalManager.fetchCycles.WithLabelValues(outcome).Inc()
}

// RecordFetchAttempt counts one provider request by result.
func RecordFetchAttempt(result string) {
	globalManager.fetchAttempts.WithLabelValues(result).Inc()
}

// RecordFetchDuration records fetch duration in milliseconds.
func RecordFetchDuration(latencyMs float64) {
	globalManager.fetchDuration.Observe(latencyMs)
}

// RecordRecordRejected counts a dropped provider record.
func RecordRecordRejected(reason string) {
	globalManager.recordsRejected.WithLabelValues(reason).Inc()
}

// UpdateTrackedEntities sets the snapshot count.
func UpdateTrackedEntities(count int) {
	globalManager.trackedEntities.Set(float64(count))
}

// UpdateConsecutiveFailures sets the consecutive failure gauge.
func UpdateConsecutiveFailures(count int) {
	globalManager.consecutiveFailures.Set(float64(count))
}

// UpdateLastSuccess stamps the time of the last successful cycle.
func UpdateLastSuccess(t time.Time) {
	globalManager.lastSuccessUnix.Set(float64(t.Unix()))
}

// Change detection metrics.

// RecordChangeEvent counts a committed change event.
func RecordChangeEvent(class string) {
	globalManager.changeEvents.WithLabelValues(class).Inc()
}

// RecordStaleObservation counts an observation that predates its snapshot.
func RecordStaleObservation() {
	globalManager.staleObservations.Inc()
}

// RecordSnapshotConflict counts a revision conflict.
func RecordSnapshotConflict() {
	globalManager.snapshotConflicts.Inc()
}

// RecordDiffDuration records diff phase duration in milliseconds.
func RecordDiffDuration(latencyMs float64) {
	globalManager.diffDuration.Observe(latencyMs)
}

// UpdateOutboxPending sets the number of unacknowledged events.
func UpdateOutboxPending(count int) {
	globalManager.outboxPending.Set(float64(count))
}

// RecordOutboxReplayed counts events replayed at startup.
func RecordOutboxReplayed(count int) {
	globalManager.outboxReplayed.Add(float64(count))
}

// Resolution metrics.

// RecordPreferenceError counts a skipped subscription.
func RecordPreferenceError(reason string) {
	globalManager.preferenceErrors.WithLabelValues(reason).Inc()
}

// RecordRecipientsResolved adds resolved recipient entries.
func RecordRecipientsResolved(count int) {
	globalManager.recipientsResolved.Add(float64(count))
}

// Dispatch metrics.

// RecordIntentTerminal counts an intent reaching a terminal state.
func RecordIntentTerminal(channel, state string) {
	globalManager.intentsTerminal.WithLabelValues(channel, state).Inc()
}

// RecordSendAttempt counts a send attempt by result (ok, transient, permanent).
func RecordSendAttempt(channel, result string) {
	globalManager.sendAttempts.WithLabelValues(channel, result).Inc()
}

// RecordSendLatency records adapter latency in milliseconds.
func RecordSendLatency(channel string, latencyMs float64) {
	globalManager.sendLatency.WithLabelValues(channel).Observe(latencyMs)
}

// RecordDuplicateSuppressed counts an intent absorbed by the dedup window.
func RecordDuplicateSuppressed(channel string) {
	globalManager.duplicatesSuppressed.WithLabelValues(channel).Inc()
}

// UpdateScheduledIntents sets the number of deferred intents.
func UpdateScheduledIntents(count int) {
	globalManager.scheduledIntents.Set(float64(count))
}

// UpdateActiveLanes sets the number of non-empty lanes.
func UpdateActiveLanes(count int) {
	globalManager.activeLanes.Set(float64(count))
}

// Queue metrics.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue counts an enqueued intent.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue counts a dequeued intent.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError counts a failed enqueue.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// RecordQueueWait records time blocked on a full queue in milliseconds.
func RecordQueueWait(latencyMs float64) {
	globalManager.queueWait.Observe(latencyMs)
}

// Worker metrics.

// UpdateWorkerActiveCount sets the pool size.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// UpdateWorkerBusyCount sets the number of busy workers.
func UpdateWorkerBusyCount(count int) {
	globalManager.workerBusyCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records per-intent worker time in milliseconds.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// Feed metrics.

// UpdateFeedClients sets the number of connected feed clients.
func UpdateFeedClients(count int) {
	globalManager.feedClients.Set(float64(count))
}

// RecordFeedDropped counts a message dropped for a slow client.
func RecordFeedDropped() {
	globalManager.feedDropped.Inc()
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint counts an HTTP error response.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorByComponent counts an error by component.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System metrics.

// UpdateSystemMemoryUsage sets heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
