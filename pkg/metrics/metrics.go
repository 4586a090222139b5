package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation lifecycle metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_operations_total",
			Help: "Total number of operations created, by type",
		},
		[]string{"operation_type"},
	)

	OperationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opscore_operations_active",
			Help: "Current number of operations by status",
		},
		[]string{"status"},
	)

	OperationTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_operation_transitions_total",
			Help: "Total number of operation status transitions",
		},
		[]string{"from", "to"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opscore_operation_duration_seconds",
			Help:    "Time an operation spent between start and terminal status, by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation_type"},
	)

	// Host-service adapter metrics (C1)
	HostRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_host_requests_total",
			Help: "Total number of host-service requests by service, endpoint and status code",
		},
		[]string{"service", "endpoint", "status"},
	)

	HostRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opscore_host_request_duration_seconds",
			Help:    "Host-service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)

	HostCircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opscore_host_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	// Worker registry metrics (C4)
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opscore_workers_total",
			Help: "Total number of registered workers by health status",
		},
		[]string{"status"},
	)

	WorkerHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_worker_heartbeats_total",
			Help: "Total number of worker heartbeats received",
		},
		[]string{"worker_id"},
	)

	WorkerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_worker_evictions_total",
			Help: "Total number of workers evicted for consecutive health-check failures",
		},
	)

	// Startup reconciliation metrics (C5)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opscore_reconciliation_duration_seconds",
			Help:    "Time taken for startup reconciliation to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_reconciliation_operations_total",
			Help: "Total number of operations processed by startup reconciliation, by outcome",
		},
		[]string{"outcome"},
	)

	// Orphan detector metrics (C6)
	OrphanDetectorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_orphan_detector_cycles_total",
			Help: "Total number of orphan-detector check cycles completed",
		},
	)

	OrphansDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_orphans_detected_total",
			Help: "Total number of operations marked failed by the orphan detector",
		},
	)

	PotentialOrphansGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscore_potential_orphans",
			Help: "Current number of operations suspected but not yet confirmed orphaned",
		},
	)

	// Checkpoint service metrics (C7)
	CheckpointsSavedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_checkpoints_saved_total",
			Help: "Total number of checkpoints saved, by checkpoint type",
		},
		[]string{"checkpoint_type"},
	)

	// API surface metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opscore_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationsActive,
		OperationTransitionsTotal,
		OperationDuration,
		HostRequestsTotal,
		HostRequestDuration,
		HostCircuitBreakerState,
		WorkersTotal,
		WorkerHeartbeatsTotal,
		WorkerEvictionsTotal,
		ReconciliationDuration,
		ReconciliationOperationsTotal,
		OrphanDetectorCyclesTotal,
		OrphansDetectedTotal,
		PotentialOrphansGauge,
		CheckpointsSavedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
