// Package metrics holds the Prometheus collectors for the realtime
// core and the gateway. All methods are nil-safe so components can run
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector behind one registry so each binary
// exposes exactly its own series on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
	offlineQueueDepth prometheus.Gauge
	callsActive       prometheus.Gauge
	callDuration      prometheus.Histogram

	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	gatewayCache    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec

	sagaExecutions  *prometheus.CounterVec
	sagaStepRetries prometheus.Counter
}

// NewMetrics creates the collector set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentormesh_connections_active",
			Help: "Live WebSocket connections on this instance.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentormesh_messages_total",
			Help: "Messages accepted, by moderation outcome.",
		}, []string{"status"}),
		offlineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentormesh_offline_queue_depth",
			Help: "Messages currently parked in offline queues by this instance.",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentormesh_calls_active",
			Help: "Calls in a non-terminal state on this instance.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mentormesh_call_duration_seconds",
			Help:    "Connected call duration.",
			Buckets: []float64{10, 30, 60, 180, 600, 1800, 3600},
		}),

		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Proxied requests by backend service and response code.",
		}, []string{"service", "code"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end gateway latency by backend service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		gatewayCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_total",
			Help: "Gateway response cache lookups by result.",
		}, []string{"result"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_state",
			Help: "Circuit state per service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),

		sagaExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Finished sagas by type and terminal status.",
		}, []string{"type", "status"}),
		sagaStepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Saga step retry attempts.",
		}),
	}

	m.registry.MustRegister(
		m.connectionsActive, m.messagesTotal, m.offlineQueueDepth,
		m.callsActive, m.callDuration,
		m.gatewayRequests, m.gatewayDuration, m.gatewayCache, m.circuitState,
		m.sagaExecutions, m.sagaStepRetries,
	)
	return m
}

// Gatherer exposes the registry for promhttp.HandlerFor.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ExpositionHandler serves the registry in the Prometheus text format.
// A nil receiver yields an empty exposition.
func ExpositionHandler(m *Metrics) http.Handler {
	if m == nil {
		m = NewMetrics()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// RecordMessage counts one accepted message by moderation outcome.
func (m *Metrics) RecordMessage(status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) OfflineEnqueued() {
	if m == nil {
		return
	}
	m.offlineQueueDepth.Inc()
}

func (m *Metrics) OfflineDrained(n int) {
	if m == nil {
		return
	}
	m.offlineQueueDepth.Sub(float64(n))
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// CallEnded records a terminal transition; duration is zero for calls
// that never connected.
func (m *Metrics) CallEnded(duration time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	if duration > 0 {
		m.callDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordGatewayRequest(service, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(service, code).Inc()
	m.gatewayDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordCacheLookup counts a gateway cache result ("hit" or "miss").
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.gatewayCache.WithLabelValues(result).Inc()
}

// SetCircuitState publishes a breaker state change.
func (m *Metrics) SetCircuitState(service string, state float64) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(service).Set(state)
}

func (m *Metrics) RecordSaga(sagaType, status string) {
	if m == nil {
		return
	}
	m.sagaExecutions.WithLabelValues(sagaType, status).Inc()
}

func (m *Metrics) RecordSagaRetry() {
	if m == nil {
		return
	}
	m.sagaStepRetries.Inc()
}
