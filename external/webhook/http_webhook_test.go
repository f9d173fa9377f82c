package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxseedlab/intervista/internal/webhook"
)

func samplePayload() webhook.SessionSummaryPayload {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return webhook.SessionSummaryPayload{
		SessionID:         "session-1",
		Capability:        "local_audio",
		Status:            "completed",
		StopReason:        "user_stopped",
		StartedAt:         start,
		EndedAt:           start.Add(90 * time.Second),
		DurationSeconds:   90,
		ReconnectAttempts: 1,
		Transcriptions:    4,
		Responses:         3,
	}
}

func TestSendSessionSummary_EmptyWebhookURL(t *testing.T) {
	sender := NewHTTPSender("")
	if err := sender.SendSessionSummary(context.Background(), samplePayload()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestSendSessionSummary_Success(t *testing.T) {
	var got map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL)
	if err := sender.SendSessionSummary(context.Background(), samplePayload()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got["session_id"] != "session-1" || got["stop_reason"] != "user_stopped" {
		t.Fatalf("unexpected payload: %v", got)
	}
	if got["duration_seconds"] != float64(90) || got["responses"] != float64(3) {
		t.Fatalf("unexpected numeric fields: %v", got)
	}
	if got["started_at"] != "2026-03-01T09:00:00Z" {
		t.Fatalf("unexpected started_at: %v", got["started_at"])
	}
}

func TestSendSessionSummary_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL)
	if err := sender.SendSessionSummary(context.Background(), samplePayload()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
