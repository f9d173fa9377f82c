package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session is the lifecycle record of one assistant session. Conversation
// content is never stored.
type Session struct {
	ID                string
	Capability        string
	StartedAt         time.Time
	EndedAt           *time.Time
	Status            SessionStatus
	StopReason        string
	ReconnectAttempts int
}
