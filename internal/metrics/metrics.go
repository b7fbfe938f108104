// Package metrics provides Prometheus metrics for the Numscull server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "numscull"

// Metrics contains every Prometheus metric the server exposes.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec

	BlocksSent     prometheus.Counter
	BlocksReceived prometheus.Counter
	CryptoFailures prometheus.Counter

	ProjectsTotal prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// the default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers every metric against the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers every metric against reg, used by
// tests to avoid colliding with the global default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected client sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions accepted",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total sessions terminated by error kind",
		}, []string{"kind"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from accept to READY state",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by kind",
		}, []string{"kind"}),

		RPCCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		RPCCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "RPC call duration by method",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"method"}),

		BlocksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_sent_total",
			Help:      "Total 528-byte ciphertext blocks sent",
		}),
		BlocksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_received_total",
			Help:      "Total 528-byte ciphertext blocks received",
		}),
		CryptoFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_failures_total",
			Help:      "Total AEAD open failures across all sessions",
		}),

		ProjectsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projects_total",
			Help:      "Number of projects currently held in memory",
		}),
	}
}

// RecordSessionStart records a newly accepted session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a session closing for the given reason kind
// ("exit", "eof", "crypto_failure", "protocol_violation",
// "handler_error", "write_error").
func (m *Metrics) RecordSessionEnd(kind string) {
	m.SessionsActive.Dec()
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// RecordHandshake records a completed handshake's latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed handshake by kind
// ("unknown_identity", "crypto_failure", "protocol_violation").
func (m *Metrics) RecordHandshakeError(kind string) {
	m.HandshakeErrors.WithLabelValues(kind).Inc()
}

// RecordRPCCall records one dispatched RPC call.
func (m *Metrics) RecordRPCCall(method, outcome string, durationSeconds float64) {
	m.RPCCallsTotal.WithLabelValues(method, outcome).Inc()
	m.RPCCallDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordBlockSent records one ciphertext block written to the wire.
func (m *Metrics) RecordBlockSent() { m.BlocksSent.Inc() }

// RecordBlockReceived records one ciphertext block read from the wire.
func (m *Metrics) RecordBlockReceived() { m.BlocksReceived.Inc() }

// RecordCryptoFailure records an AEAD open failure.
func (m *Metrics) RecordCryptoFailure() { m.CryptoFailures.Inc() }

// SetProjectsTotal reports the current in-memory project count.
func (m *Metrics) SetProjectsTotal(count int) { m.ProjectsTotal.Set(float64(count)) }
