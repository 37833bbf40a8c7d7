package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CredentialMetricsRegistry records engine operations, settlement round trips
// and RPC traffic of the credential daemon.
type CredentialMetricsRegistry struct {
	operations *prometheus.CounterVec
	opLatency  *prometheus.HistogramVec
	settlement *prometheus.HistogramVec
	requests   *prometheus.CounterVec
	rpcLatency *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
}

var (
	credentialMetricsOnce sync.Once
	credentialRegistry    *CredentialMetricsRegistry
)

// CredentialMetrics returns the lazily-initialised credential metrics registry.
func CredentialMetrics() *CredentialMetricsRegistry {
	credentialMetricsOnce.Do(func() {
		credentialRegistry = &CredentialMetricsRegistry{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sbtgate",
				Subsystem: "credential",
				Name:      "operations_total",
				Help:      "Credential engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sbtgate",
				Subsystem: "credential",
				Name:      "operation_duration_seconds",
				Help:      "Latency of credential engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			settlement: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sbtgate",
				Subsystem: "settlement",
				Name:      "call_duration_seconds",
				Help:      "Latency of settlement collaborator calls segmented by call and outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"call", "outcome"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sbtgate",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "JSON-RPC requests segmented by method and status code.",
			}, []string{"method", "status"}),
			rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sbtgate",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sbtgate",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting or replay protection.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			credentialRegistry.operations,
			credentialRegistry.opLatency,
			credentialRegistry.settlement,
			credentialRegistry.requests,
			credentialRegistry.rpcLatency,
			credentialRegistry.throttles,
		)
	})
	return credentialRegistry
}

// ObserveOperation records the outcome of an engine operation.
func (m *CredentialMetricsRegistry) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveSettlement records a settlement collaborator round trip.
func (m *CredentialMetricsRegistry) ObserveSettlement(call, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlement.WithLabelValues(call, outcome).Observe(elapsed.Seconds())
}

// ObserveRequest records a JSON-RPC request with the HTTP status written.
func (m *CredentialMetricsRegistry) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "replay".
func (m *CredentialMetricsRegistry) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}
