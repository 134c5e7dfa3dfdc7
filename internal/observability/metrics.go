package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn sources reported on the turns counter.
const (
	SourceCache      = "cache"
	SourcePolicy     = "policy"
	SourceCompletion = "completion"
	SourceFallback   = "fallback"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	CompletionErrors  *prometheus.CounterVec
	CompletionLatency prometheus.Histogram
	Feedback          *prometheus.CounterVec
	PersistFailures   *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec

	gatherer prometheus.Gatherer
	latency  *LatencyWindow
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return newMetrics(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewIsolatedMetrics registers instruments on a private registry, which lets
// several services (or tests) coexist in one process.
func NewIsolatedMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	return newMetrics(namespace, reg, reg)
}

func newMetrics(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of logged-in chat sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Answered turns by response source.",
		}, []string{"source"}),
		CompletionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_errors_total",
			Help:      "Completion endpoint failures by kind.",
		}, []string{"kind"}),
		CompletionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Completion endpoint latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),
		Feedback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions by label.",
		}, []string{"label"}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "State persistence failures by artifact.",
		}, []string{"artifact"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: gatherer,
		latency:  NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveCompletionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurnSource counts an answered turn by where its answer came from.
func (m *Metrics) ObserveTurnSource(source string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(source).Inc()
	m.latency.ObserveSource(source)
}

// ObserveTurnStage records a stage duration in the rolling latency window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.ObserveStage(stage, d)
}

// ObserveTurnIndicator counts a notable turn outcome, such as a fallback.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return NewLatencyWindow(1).Snapshot()
	}
	return m.latency.Snapshot()
}

// Handler serves the registry the instruments were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
