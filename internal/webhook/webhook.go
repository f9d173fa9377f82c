package webhook

import (
	"context"
	"time"
)

type SessionSummaryPayload struct {
	SessionID         string    `json:"session_id"`
	Capability        string    `json:"capability"`
	Status            string    `json:"status"`
	StopReason        string    `json:"stop_reason"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	DurationSeconds   int64     `json:"duration_seconds"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Transcriptions    int       `json:"transcriptions"`
	Responses         int       `json:"responses"`
	Errors            int       `json:"errors"`
}

type Sender interface {
	SendSessionSummary(ctx context.Context, payload SessionSummaryPayload) error
}
