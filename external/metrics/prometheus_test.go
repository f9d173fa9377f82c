package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusRecorder_SessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.SessionStarted("local_audio")
	r.SessionStarted("local_audio")
	r.SessionEnded("local_audio", "failed", 90*time.Second)

	families := gather(t, reg)
	active := families["assistant_active_sessions"].GetMetric()[0]
	if active.GetGauge().GetValue() != 1 {
		t.Fatalf("expected one active session, got %v", active.GetGauge().GetValue())
	}
	ended := families["assistant_sessions_ended_total"].GetMetric()[0]
	if labelValue(ended, "status") != "failed" || ended.GetCounter().GetValue() != 1 {
		t.Fatalf("unexpected ended metric: %v", ended)
	}
	if families["assistant_session_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatal("expected one duration sample")
	}
}

func TestPrometheusRecorder_ResponsePacing(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ResponseRequested(true)
	r.ResponseRequested(false)
	r.ResponseRequested(false)
	r.ResponseCompleted(1200 * time.Millisecond)

	counts := map[string]float64{}
	for _, m := range gather(t, reg)["assistant_response_requests_total"].GetMetric() {
		counts[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	if counts["sent"] != 1 || counts["suppressed"] != 2 {
		t.Fatalf("unexpected request counts: %v", counts)
	}
}

func TestPrometheusRecorder_ProviderErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ProviderError(true)
	r.ProviderError(false)
	r.ProviderEvent("response.done")
	r.FrameDropped()
	r.ReconnectScheduled()
	r.UtteranceFlushed(4096, true)

	families := gather(t, reg)
	if len(families["assistant_provider_errors_total"].GetMetric()) != 2 {
		t.Fatal("expected benign and non-benign series")
	}
	if families["assistant_capture_frames_dropped_total"].GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatal("expected one dropped frame")
	}
	utt := families["assistant_utterances_flushed_total"].GetMetric()[0]
	if labelValue(utt, "forced") != "true" {
		t.Fatalf("unexpected utterance labels: %v", utt)
	}
}
