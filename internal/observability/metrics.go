package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	ActiveAgents       prometheus.Gauge
	PendingSegments    prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	SegmentsSubmitted  prometheus.Counter
	SegmentsDispatched *prometheus.CounterVec
	Translations       *prometheus.CounterVec
	FeedbackSuppressed prometheus.Counter
	RoutingRecomputes  prometheus.Counter
	WSMessages         *prometheus.CounterVec
	DispatchDelay      prometheus.Histogram
	TranslationLatency prometheus.Histogram
	SegmentLatency     prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		stages: newStageWindow(256),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active interpretation sessions.",
		}),
		ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Number of per-participant translation agents currently running.",
		}),
		PendingSegments: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_segments",
			Help:      "Transcript segments waiting in translation buffers.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		SegmentsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_submitted_total",
			Help:      "Segment updates accepted by translation buffers.",
		}),
		SegmentsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dispatched_total",
			Help:      "Segments handed to listeners, by dispatch reason.",
		}, []string{"reason"}),
		Translations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translations_total",
			Help:      "Per-listener translation requests by outcome.",
		}, []string{"status"}),
		FeedbackSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_suppressed_total",
			Help:      "Segments dropped because an agent would have processed its own output.",
		}),
		RoutingRecomputes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_recomputes_total",
			Help:      "Whole-table routing recomputations.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DispatchDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_delay_ms",
			Help:      "Delay between segment submission and dispatch in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 300, 400, 500, 700, 1000},
		}),
		TranslationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_latency_ms",
			Help:      "External translation call latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 1500, 2500},
		}),
		SegmentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_total_latency_ms",
			Help:      "Latency from segment creation to delivered translation in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 1000, 1500, 2500},
		}),
	}
}

func (m *Metrics) ObserveDispatchDelay(d time.Duration) {
	m.DispatchDelay.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTranslationLatency(ms float64) {
	m.TranslationLatency.Observe(ms)
}

func (m *Metrics) ObserveSegmentLatency(ms float64) {
	m.SegmentLatency.Observe(ms)
}

// ObserveStage records one pipeline stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000.0)
}

// ObserveStageMS records a stage duration already measured in milliseconds.
func (m *Metrics) ObserveStageMS(stage string, ms float64) {
	m.stages.Observe(stage, ms)
}

// ObserveIndicator bumps a named pipeline indicator.
func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

// SnapshotStages returns quantiles and indicators for the perf endpoint.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

// ResetStages clears the rolling windows.
func (m *Metrics) ResetStages() {
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
