package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentescrow"

// Metrics exposes the Prometheus collectors shared by the daemon components.
// All methods are safe on a nil receiver so components can run unmetered.
type Metrics struct {
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	agentRuns         *prometheus.CounterVec
	agentDuration     *prometheus.HistogramVec
	sessions          *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	escrowTransitions *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	badges            *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the metrics registered with the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew builds the collectors on reg. Collectors that are already
// registered are reused so repeated construction does not panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		httpRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"})),
		httpDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"})),
		agentRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "runs_total",
			Help: "Agent invocations by type and outcome.",
		}, []string{"agent_type", "outcome"})),
		agentDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "run_duration_seconds",
			Help:    "Wall time of a single agent invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_type"})),
		sessions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "sessions_total",
			Help: "Orchestrator sessions by terminal status.",
		}, []string{"status"})),
		sessionsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "sessions_active",
			Help: "Sessions currently executing on a worker.",
		})),
		escrowTransitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "transitions_total",
			Help: "Escrow transition attempts by event and outcome.",
		}, []string{"event", "outcome"})),
		anomalies: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "anomaly", Name: "flagged_total",
			Help: "Anomalies recorded by kind and severity.",
		}, []string{"kind", "severity"})),
		badges: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trust", Name: "badges_issued_total",
			Help: "Trust badges issued by level.",
		}, []string{"level"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveHTTPRequest records one HTTP request.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveAgentRun records one agent invocation.
func (m *Metrics) ObserveAgentRun(agentType string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(agentType, outcome(success)).Inc()
	m.agentDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionFinished decrements the active gauge and counts the terminal status.
func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessions.WithLabelValues(status).Inc()
}

// ObserveEscrowTransition counts an escrow transition attempt.
func (m *Metrics) ObserveEscrowTransition(event, outcome string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(event, outcome).Inc()
}

// ObserveAnomaly counts a recorded anomaly.
func (m *Metrics) ObserveAnomaly(kind, severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind, severity).Inc()
}

// ObserveBadge counts an issued badge.
func (m *Metrics) ObserveBadge(level string) {
	if m == nil {
		return
	}
	m.badges.WithLabelValues(level).Inc()
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
