package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	RelayMessages      *prometheus.CounterVec
	UpstreamEvents     *prometheus.CounterVec
	FragmentsPublished prometheus.Counter
	PublishErrors      *prometheus.CounterVec
	MalformedMessages  *prometheus.CounterVec
	Negotiations       *prometheus.CounterVec
	FirstChunkLatency  prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime relay sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Room messages relayed by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream realtime events by kind.",
		}, []string{"kind"}),
		FragmentsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_fragments_published_total",
			Help:      "Audio delta fragments published to rooms.",
		}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Pub/sub delivery failures by stage.",
		}, []string{"stage"}),
		MalformedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Per-message parse failures by source, skipped not fatal.",
		}, []string{"source"}),
		Negotiations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_negotiations_total",
			Help:      "Task-context negotiation outcomes.",
		}, []string{"outcome"}),
		FirstChunkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_chunk_latency_ms",
			Help:      "Latency from response request to first published audio fragment in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
	}
}

// The helpers below are nil-safe so components can run without metrics
// in tests.

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RelayMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) UpstreamEvent(kind string) {
	if m == nil {
		return
	}
	m.UpstreamEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) FragmentPublished() {
	if m == nil {
		return
	}
	m.FragmentsPublished.Inc()
}

func (m *Metrics) PublishError(stage string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) MalformedMessage(source string) {
	if m == nil {
		return
	}
	m.MalformedMessages.WithLabelValues(source).Inc()
}

func (m *Metrics) NegotiationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunkLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
