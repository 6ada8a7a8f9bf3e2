package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Global metrics instance for singleton pattern
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the sync core
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// Store metrics
	StoreOperations  *prometheus.CounterVec
	Notifications    prometheus.Counter
	SubscriberPanics prometheus.Counter
	Conflicts        *prometheus.CounterVec
	Rollbacks        prometheus.Counter
	NodesResident    prometheus.Gauge
	Subscribers      prometheus.Gauge

	// Persistence coordinator metrics
	PersistOperations  *prometheus.CounterVec
	PersistDuration    *prometheus.HistogramVec
	DebounceDelay      prometheus.Histogram
	PendingOperations  prometheus.Gauge
	DependencyTimeouts prometheus.Counter

	// Backend metrics
	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector with the given namespace
func NewCollector(namespace string) *Collector {
	// Use singleton pattern to avoid duplicate registration in tests
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	// Create a new registry for this collector
	registry := prometheus.NewRegistry()

	storeOperations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of store mutations by operation and source kind",
		},
		[]string{"operation", "source"},
	)

	notifications := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_notifications_total",
			Help:      "Total number of subscriber callbacks delivered",
		},
	)

	subscriberPanics := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_subscriber_panics_total",
			Help:      "Total number of subscriber callbacks that panicked",
		},
	)

	conflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Total number of version conflicts by resolution strategy",
		},
		[]string{"strategy"},
	)

	rollbacks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_rollbacks_total",
			Help:      "Total number of in-memory rollbacks after failed writes",
		},
	)

	nodesResident := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_nodes_resident",
			Help:      "Number of node records currently held in memory",
		},
	)

	subscribers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_subscribers",
			Help:      "Number of active wildcard subscribers",
		},
	)

	persistOperations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_operations_total",
			Help:      "Total number of persistence operations by mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	persistDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_action_duration_seconds",
			Help:      "Persistence action duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	debounceDelay := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_debounce_delay_seconds",
			Help:      "Delay between scheduling and execution for debounced operations",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	pendingOperations := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_pending_operations",
			Help:      "Number of persistence operations currently pending or in progress",
		},
	)

	dependencyTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dependency_timeouts_total",
			Help:      "Total number of operations failed by dependency timeouts",
		},
	)

	backendCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Total number of backend calls by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)

	backendDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Register all metrics with the registry
	registry.MustRegister(
		storeOperations,
		notifications,
		subscriberPanics,
		conflicts,
		rollbacks,
		nodesResident,
		subscribers,
		persistOperations,
		persistDuration,
		debounceDelay,
		pendingOperations,
		dependencyTimeouts,
		backendCalls,
		backendDuration,
		httpRequests,
		httpDuration,
	)

	globalCollector = &Collector{
		registry:           registry,
		StoreOperations:    storeOperations,
		Notifications:      notifications,
		SubscriberPanics:   subscriberPanics,
		Conflicts:          conflicts,
		Rollbacks:          rollbacks,
		NodesResident:      nodesResident,
		Subscribers:        subscribers,
		PersistOperations:  persistOperations,
		PersistDuration:    persistDuration,
		DebounceDelay:      debounceDelay,
		PendingOperations:  pendingOperations,
		DependencyTimeouts: dependencyTimeouts,
		BackendCalls:       backendCalls,
		BackendDuration:    backendDuration,
		HTTPRequests:       httpRequests,
		HTTPDuration:       httpDuration,
	}

	return globalCollector
}

// ResetForTesting resets the global collector so each test gets a fresh
// registry
func ResetForTesting() {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()
	globalCollector = nil
}

// ObserveBackendCall records one backend call outcome
func (c *Collector) ObserveBackendCall(backend, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.BackendCalls.WithLabelValues(backend, operation, status).Inc()
	c.BackendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}
