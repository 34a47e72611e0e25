// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumina-learning/pulse-core/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Ingestion pipeline metrics
	EventsProcessedTotal  *prometheus.CounterVec
	EventsPerSecond       prometheus.Gauge
	KafkaWritesTotal      *prometheus.CounterVec
	DLQEventsTotal        *prometheus.CounterVec
	BufferEventsCount     prometheus.Gauge
	ProcessingTimeSeconds *prometheus.HistogramVec

	// Indexing pipeline metrics
	IndexWritesTotal *prometheus.CounterVec
	IndexSkipsTotal  *prometheus.CounterVec

	// Orchestration metrics
	ActionsDispatchedTotal *prometheus.CounterVec
	ActionsDLQTotal        *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Ingestion pipeline metrics
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_processed_total",
				Help: "Total number of learner events processed",
			},
			[]string{"service", "event_type", "outcome"},
		),
		EventsPerSecond: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "events_per_second",
				Help: "Current observed event ingestion throughput",
			},
		),
		KafkaWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_writes_total",
				Help: "Total number of broker publish attempts",
			},
			[]string{"service", "topic", "status"},
		),
		DLQEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_events_total",
				Help: "Total number of events routed to a dead-letter topic",
			},
			[]string{"service", "topic", "reason"},
		),
		BufferEventsCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "buffer_events_count",
				Help: "Current number of events held in the disk spool",
			},
		),
		ProcessingTimeSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_processing_time_seconds",
				Help:    "Time to validate and publish an event batch",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service"},
		),

		// Indexing pipeline metrics
		IndexWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_writes_total",
				Help: "Total number of search index write operations",
			},
			[]string{"service", "index", "op", "status"},
		),
		IndexSkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_skips_total",
				Help: "Total number of documents skipped by access filtering",
			},
			[]string{"service", "index"},
		),

		// Orchestration metrics
		ActionsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actions_dispatched_total",
				Help: "Total number of outbound actions dispatched",
			},
			[]string{"service", "action_type", "target", "status"},
		),
		ActionsDLQTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actions_dlq_total",
				Help: "Total number of outbound actions routed to the actions DLQ",
			},
			[]string{"service", "action_type", "target"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current circuit breaker state per target (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service", "target"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of in-process cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of in-process cache misses",
			},
			[]string{"cache"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.EventsProcessedTotal,
			m.EventsPerSecond,
			m.KafkaWritesTotal,
			m.DLQEventsTotal,
			m.BufferEventsCount,
			m.ProcessingTimeSeconds,
			m.IndexWritesTotal,
			m.IndexSkipsTotal,
			m.ActionsDispatchedTotal,
			m.ActionsDLQTotal,
			m.CircuitBreakerState,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordEventProcessed records the outcome of processing a single learner event.
func (m *Metrics) RecordEventProcessed(service, eventType, outcome string) {
	m.EventsProcessedTotal.WithLabelValues(service, eventType, outcome).Inc()
}

// RecordKafkaWrite records a broker publish attempt.
func (m *Metrics) RecordKafkaWrite(service, topic, status string) {
	m.KafkaWritesTotal.WithLabelValues(service, topic, status).Inc()
}

// RecordDLQEvent records an event routed to a dead-letter topic.
func (m *Metrics) RecordDLQEvent(service, topic, reason string) {
	m.DLQEventsTotal.WithLabelValues(service, topic, reason).Inc()
}

// SetBufferEventsCount sets the current disk spool depth.
func (m *Metrics) SetBufferEventsCount(count int) {
	m.BufferEventsCount.Set(float64(count))
}

// RecordProcessingTime records how long a batch took to validate and publish.
func (m *Metrics) RecordProcessingTime(service string, duration time.Duration) {
	m.ProcessingTimeSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordIndexWrite records a search index write outcome.
func (m *Metrics) RecordIndexWrite(service, index, op, status string) {
	m.IndexWritesTotal.WithLabelValues(service, index, op, status).Inc()
}

// RecordIndexSkip records a document dropped by access filtering.
func (m *Metrics) RecordIndexSkip(service, index string) {
	m.IndexSkipsTotal.WithLabelValues(service, index).Inc()
}

// RecordActionDispatched records an outbound action delivery outcome.
func (m *Metrics) RecordActionDispatched(service, actionType, target, status string) {
	m.ActionsDispatchedTotal.WithLabelValues(service, actionType, target, status).Inc()
}

// RecordActionDLQ records an outbound action that exhausted retries.
func (m *Metrics) RecordActionDLQ(service, actionType, target string) {
	m.ActionsDLQTotal.WithLabelValues(service, actionType, target).Inc()
}

// SetCircuitBreakerState records the current circuit breaker state for a target.
func (m *Metrics) SetCircuitBreakerState(service, target string, state int) {
	m.CircuitBreakerState.WithLabelValues(service, target).Set(float64(state))
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// RecordCacheHit records an in-process cache hit for the named cache.
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records an in-process cache miss for the named cache.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
