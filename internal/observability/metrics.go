// Package observability carries the process-wide Prometheus metrics and the
// Gin middleware that records per-request series.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	authDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentweave_auth_decisions_total",
		Help: "Total authorization decisions by outcome and source.",
	}, []string{"decision", "source"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentweave_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentweave_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentweave_tasks_total",
		Help: "Total tasks by terminal state.",
	}, []string{"state"})

	capabilityCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentweave_capability_calls_total",
		Help: "Total capability invocations by capability and result.",
	}, []string{"capability", "result"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentweave_circuit_state",
		Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open).",
	}, []string{"target"})

	identityRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentweave_identity_rotations_total",
		Help: "Total workload identity rotations observed.",
	})

	auditEventsLost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentweave_audit_events_lost",
		Help: "Audit events dropped due to buffer overflow.",
	})

	peerVerificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentweave_peer_verification_failures_total",
		Help: "Total mTLS peer verification failures.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuthDecision records an authorization decision. Source is one of
// "engine", "cache", or "fallback".
func RecordAuthDecision(allowed bool, source string) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authDecisionsTotal.WithLabelValues(decision, source).Inc()
}

// RecordTaskTerminal records a task reaching a terminal state.
func RecordTaskTerminal(state string) {
	tasksTotal.WithLabelValues(state).Inc()
}

// RecordCapabilityCall records a capability invocation result.
func RecordCapabilityCall(capability string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	capabilityCallsTotal.WithLabelValues(capability, result).Inc()
}

// SetCircuitState sets the breaker state gauge for a target.
func SetCircuitState(target string, state float64) {
	circuitState.WithLabelValues(target).Set(state)
}

// RecordIdentityRotation records a workload identity rotation.
func RecordIdentityRotation() {
	identityRotationsTotal.Inc()
}

// SetAuditEventsLost sets the dropped audit event gauge.
func SetAuditEventsLost(n float64) {
	auditEventsLost.Set(n)
}

// RecordPeerVerificationFailure records a failed mTLS peer verification.
func RecordPeerVerificationFailure() {
	peerVerificationFailuresTotal.Inc()
}
