// Package metrics exposes the daemon's Prometheus collectors. All recording
// methods are nil-safe so components can run without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	hookEvents          *prometheus.CounterVec
	hookMalformed       prometheus.Counter
	permissionDecisions *prometheus.CounterVec
	permissionWait      prometheus.Histogram
	sessionsActive      prometheus.Gauge
	pendingPermissions  prometheus.Gauge
	bridgeRestarts      prometheus.Counter
	bridgeRequests      *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		hookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porthole_hook_events_total",
			Help: "Hook events accepted by the ingress server, by event kind.",
		}, []string{"event"}),
		hookMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "porthole_hook_malformed_total",
			Help: "Connections dropped because the payload failed to decode.",
		}),
		permissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porthole_permission_decisions_total",
			Help: "Resolved permission waits, by outcome.",
		}, []string{"outcome"}),
		permissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "porthole_permission_wait_seconds",
			Help:    "Time a permission connection was held before resolution.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "porthole_sessions_active",
			Help: "Sessions currently tracked by the state engine.",
		}),
		pendingPermissions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "porthole_pending_permissions",
			Help: "Permission connections currently held open.",
		}),
		bridgeRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "porthole_bridge_restarts_total",
			Help: "Helper process restarts after abnormal exits.",
		}),
		bridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porthole_bridge_requests_total",
			Help: "Bridge requests issued, by method and outcome.",
		}, []string{"method", "outcome"}),
	}
	m.registry.MustRegister(
		m.hookEvents, m.hookMalformed, m.permissionDecisions, m.permissionWait,
		m.sessionsActive, m.pendingPermissions, m.bridgeRestarts, m.bridgeRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncHookEvent(event string) {
	if m == nil {
		return
	}
	m.hookEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncHookMalformed() {
	if m == nil {
		return
	}
	m.hookMalformed.Inc()
}

// ObservePermissionOutcome records one resolved permission wait.
func (m *Metrics) ObservePermissionOutcome(outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.permissionDecisions.WithLabelValues(outcome).Inc()
	m.permissionWait.Observe(wait.Seconds())
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SetPendingPermissions(n int) {
	if m == nil {
		return
	}
	m.pendingPermissions.Set(float64(n))
}

func (m *Metrics) IncBridgeRestart() {
	if m == nil {
		return
	}
	m.bridgeRestarts.Inc()
}

func (m *Metrics) IncBridgeRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.bridgeRequests.WithLabelValues(method, outcome).Inc()
}
