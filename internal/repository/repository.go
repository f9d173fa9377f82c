package repository

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

type CreateSessionInput struct {
	ID         string
	Capability string
	StartedAt  time.Time
}

type CompleteSessionInput struct {
	SessionID         string
	EndedAt           time.Time
	Status            SessionStatus
	StopReason        string
	ReconnectAttempts int
}

// Repository persists session lifecycle records. GetSession returns nil
// without error for unknown ids.
type Repository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	CompleteSession(ctx context.Context, input CompleteSessionInput) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListRunningSessions(ctx context.Context) ([]Session, error)
}
