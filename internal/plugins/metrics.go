package plugins

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/dispatch"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsEndpoint describes the reserved `_metrics` RPC: a point-in-time
// snapshot of the same counters the plain HTTP /metrics page exposes, for
// callers that only speak the multiplexed protocol (spec §12).
func MetricsEndpoint() descriptor.Endpoint {
	return descriptor.Endpoint{
		Name:          "_metrics",
		Type:          descriptor.RPC,
		RequestSchema: []byte(`{}`),
		ReplySchema: []byte(`{
			"type": "object",
			"properties": {
				"connectionsActive": {"type": "integer"},
				"rpcCallsTotal": {"type": "integer"},
				"rpcErrorsTotal": {"type": "integer"},
				"goroutines": {"type": "integer"}
			},
			"required": ["connectionsActive", "rpcCallsTotal", "rpcErrorsTotal"]
		}`),
	}
}

// Metrics is the Prometheus collector set for the service: RPC call/error
// counters, SharedObject version gauges, and connection gauges, grounded on
// go-server/internal/metrics/metrics.go's promauto-registered counter/gauge
// set (renamed from the teacher's websocket_* names to this library's own
// domain).
type Metrics struct {
	registry *prometheus.Registry

	rpcCallsTotal  *prometheus.CounterVec
	rpcErrorsTotal *prometheus.CounterVec
	rpcLatency     *prometheus.HistogramVec

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter

	sharedObjectVersion *prometheus.GaugeVec

	mu                sync.Mutex
	callCount         int64
	errCount          int64
	activeConnections int64
}

// NewMetrics constructs and registers every collector against its own
// Registry (never the global default) so multiple Services in one process
// don't collide on metric names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rpcCallsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "multiplex_rpc_calls_total",
			Help: "Total number of RPC invocations, by endpoint.",
		}, []string{"endpoint"}),
		rpcErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "multiplex_rpc_errors_total",
			Help: "Total number of RPC invocations that failed, by endpoint and error code.",
		}, []string{"endpoint", "code"}),
		rpcLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "multiplex_rpc_latency_seconds",
			Help:    "RPC handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		connectionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "multiplex_connections_active",
			Help: "Number of currently connected clients.",
		}),
		connectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "multiplex_connections_total",
			Help: "Total number of accepted connections.",
		}),
		sharedObjectVersion: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "multiplex_sharedobject_version",
			Help: "Current published version, by SharedObject endpoint.",
		}, []string{"endpoint"}),
	}
	return m
}

// ObserveRPC records one RPC invocation's outcome and latency.
func (m *Metrics) ObserveRPC(endpoint string, code multiplexerr.Code, duration time.Duration) {
	m.mu.Lock()
	m.callCount++
	if code != "" {
		m.errCount++
	}
	m.mu.Unlock()

	m.rpcCallsTotal.WithLabelValues(endpoint).Inc()
	m.rpcLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
	if code != "" {
		m.rpcErrorsTotal.WithLabelValues(endpoint, string(code)).Inc()
	}
}

// ConnectionOpened/ConnectionClosed track the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
	m.mu.Lock()
	m.activeConnections++
	m.mu.Unlock()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
	m.mu.Lock()
	m.activeConnections--
	m.mu.Unlock()
}

// SetSharedObjectVersion records a SharedObject's current published
// version, called after every successful publish.
func (m *Metrics) SetSharedObjectVersion(endpoint string, version int64) {
	m.sharedObjectVersion.WithLabelValues(endpoint).Set(float64(version))
}

// Handler returns the plain HTTP handler for a Prometheus scrape target
// (spec §12: "plain HTTP /metrics for Prometheus scraping").
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RPCHandler is the dispatch.Handler for the _metrics RPC: a JSON snapshot
// of the same counters for callers using only the multiplexed protocol.
func (m *Metrics) RPCHandler() dispatch.Handler {
	return func(ctx context.Context, input any) (any, error) {
		m.mu.Lock()
		calls, errs, active := m.callCount, m.errCount, m.activeConnections
		m.mu.Unlock()

		return map[string]any{
			"connectionsActive": active,
			"rpcCallsTotal":     calls,
			"rpcErrorsTotal":    errs,
			"goroutines":        runtime.NumGoroutine(),
		}, nil
	}
}
