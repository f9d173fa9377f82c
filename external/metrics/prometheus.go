package metrics

import (
	"time"

	"github.com/foxseedlab/intervista/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports session engine measurements.
type PrometheusRecorder struct {
	activeSessions   *prometheus.GaugeVec
	sessionsEnded    *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	utterances       *prometheus.CounterVec
	utteranceSize    prometheus.Histogram
	responseRequests *prometheus.CounterVec
	responseLatency  prometheus.Histogram
	reconnects       prometheus.Counter
	providerEvents   *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	framesDropped    prometheus.Counter
}

func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		activeSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assistant_active_sessions",
			Help: "Current number of running assistant sessions",
		}, []string{"capability"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_sessions_ended_total",
			Help: "Total number of sessions ended, by final status",
		}, []string{"capability", "status"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_session_duration_seconds",
			Help:    "Duration of assistant sessions",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s to ~4h
		}),
		utterances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_utterances_flushed_total",
			Help: "Total number of utterances sent to the provider",
		}, []string{"forced"}),
		utteranceSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_utterance_size_bytes",
			Help:    "Size of flushed utterances",
			Buckets: prometheus.ExponentialBuckets(2048, 2, 10), // 2KB to ~1MB
		}),
		responseRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_response_requests_total",
			Help: "Response requests, by whether pacing let them through",
		}, []string{"outcome"}),
		responseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_response_latency_seconds",
			Help:    "Time from response request to completion",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_reconnects_scheduled_total",
			Help: "Total number of realtime reconnection attempts scheduled",
		}),
		providerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_provider_events_total",
			Help: "Realtime events received, by type",
		}, []string{"type"}),
		providerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_provider_errors_total",
			Help: "Realtime error events, by whether they were benign",
		}, []string{"benign"}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_capture_frames_dropped_total",
			Help: "Capture frames dropped because the capture queue was full",
		}),
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (r *PrometheusRecorder) SessionStarted(capability string) {
	r.activeSessions.WithLabelValues(capability).Inc()
}

func (r *PrometheusRecorder) SessionEnded(capability, status string, duration time.Duration) {
	r.activeSessions.WithLabelValues(capability).Dec()
	r.sessionsEnded.WithLabelValues(capability, status).Inc()
	r.sessionDuration.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) UtteranceFlushed(bytes int, forced bool) {
	r.utterances.WithLabelValues(boolLabel(forced)).Inc()
	r.utteranceSize.Observe(float64(bytes))
}

func (r *PrometheusRecorder) ResponseRequested(sent bool) {
	outcome := "suppressed"
	if sent {
		outcome = "sent"
	}
	r.responseRequests.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) ResponseCompleted(latency time.Duration) {
	r.responseLatency.Observe(latency.Seconds())
}

func (r *PrometheusRecorder) ReconnectScheduled() {
	r.reconnects.Inc()
}

func (r *PrometheusRecorder) ProviderEvent(eventType string) {
	r.providerEvents.WithLabelValues(eventType).Inc()
}

func (r *PrometheusRecorder) ProviderError(benign bool) {
	r.providerErrors.WithLabelValues(boolLabel(benign)).Inc()
}

func (r *PrometheusRecorder) FrameDropped() {
	r.framesDropped.Inc()
}

var _ metrics.Recorder = (*PrometheusRecorder)(nil)
