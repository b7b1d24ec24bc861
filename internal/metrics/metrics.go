// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider lifecycle metrics

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborstackd_provider_healthy",
			Help: "1 when the provider's last health probe succeeded, 0 otherwise",
		},
		[]string{"kind", "logical_id"},
	)

	ProviderStartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborstackd_provider_start_duration_seconds",
			Help:    "Duration of provider Start calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Function runtime metrics

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborstackd_invocation_duration_seconds",
			Help:    "Duration of function invocations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"function"},
	)

	InvocationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_invocation_errors_total",
			Help: "Total failed function invocations by error kind",
		},
		[]string{"function", "error_kind"},
	)

	InvocationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborstackd_invocations_in_flight",
			Help: "Function invocations currently executing",
		},
	)

	// HTTP surface metrics, recorded by middleware.PrometheusMetrics
	// around every provider's handler chain

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_api_requests_total",
			Help: "Total HTTP requests across every service surface",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborstackd_api_request_duration_seconds",
			Help:    "HTTP request duration across every service surface",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborstackd_api_active_requests",
			Help: "HTTP requests currently being handled",
		},
	)

	// Queue metrics

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborstackd_queue_depth",
			Help: "Visible messages per queue",
		},
		[]string{"queue"},
	)

	QueueRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_queue_redeliveries_total",
			Help: "Messages whose invisibility window expired without acknowledgement",
		},
		[]string{"queue"},
	)

	QueueDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_queue_dead_lettered_total",
			Help: "Messages routed to a dead-letter queue",
		},
		[]string{"queue"},
	)

	// Event-source wiring metrics

	PollerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_poller_cycles_total",
			Help: "Poller loop iterations by outcome (empty, delivered, error)",
		},
		[]string{"queue", "outcome"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_event_rule_matches_total",
			Help: "Event-bus rule pattern matches",
		},
		[]string{"bus", "rule"},
	)

	// Dispatch layer metrics

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborstackd_dispatch_duration_seconds",
			Help:    "Wire-protocol dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "operation"},
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_dispatch_errors_total",
			Help: "Dispatch-layer error responses by taxonomy kind",
		},
		[]string{"service", "error_kind"},
	)

	// Workflow metrics

	WorkflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborstackd_workflow_executions_total",
			Help: "Workflow executions by terminal status",
		},
		[]string{"workflow", "status"},
	)

	WorkflowTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harborstackd_workflow_transitions_total",
			Help: "State transitions across all executions",
		},
	)
)

// RecordInvocation updates the invocation histogram and, when errKind is
// non-empty, the error counter.
func RecordInvocation(function string, d time.Duration, errKind string) {
	InvocationDuration.WithLabelValues(function).Observe(d.Seconds())
	if errKind != "" {
		InvocationErrors.WithLabelValues(function, errKind).Inc()
	}
}

// RecordAPIRequest records one HTTP request against a service surface.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight HTTP requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordDispatch updates the dispatch latency histogram.
func RecordDispatch(service, operation string, d time.Duration) {
	DispatchDuration.WithLabelValues(service, operation).Observe(d.Seconds())
}

// SetProviderHealth records a health probe result.
func SetProviderHealth(kind, logicalID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealthy.WithLabelValues(kind, logicalID).Set(v)
}
