package session

import (
	"fmt"
	"time"

	"github.com/foxseedlab/intervista/internal/fanout"
	"github.com/foxseedlab/intervista/internal/repository"
	"github.com/foxseedlab/intervista/internal/webhook"
)

func buildSessionSummary(e *Engine, reason string, endedAt time.Time) webhook.SessionSummaryPayload {
	startedAt := e.StartedAt()
	if startedAt.IsZero() {
		startedAt = endedAt
	}
	status := repository.SessionStatusCompleted
	if e.State() == Failed {
		status = repository.SessionStatusFailed
	}
	duration := endedAt.Sub(startedAt)
	if duration < 0 {
		duration = 0
	}
	counts := e.Events().Counts()
	return webhook.SessionSummaryPayload{
		SessionID:         e.ID(),
		Capability:        e.Capability().String(),
		Status:            string(status),
		StopReason:        reason,
		StartedAt:         startedAt,
		EndedAt:           endedAt,
		DurationSeconds:   int64(duration / time.Second),
		ReconnectAttempts: e.ReconnectAttempts(),
		Transcriptions:    counts[fanout.KindTranscription],
		Responses:         counts[fanout.KindResponse],
		Errors:            counts[fanout.KindError],
	}
}

// FormatSummary renders a one-line summary for chat relays.
func FormatSummary(p webhook.SessionSummaryPayload) string {
	return fmt.Sprintf("Session ended after %s: %d transcriptions, %d responses, %d errors. %s",
		formatElapsedHMS(p.EndedAt.Sub(p.StartedAt)), p.Transcriptions, p.Responses, p.Errors, StopReasonDetail(p.StopReason))
}

func formatElapsedHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
