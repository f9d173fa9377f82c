package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/foxseedlab/intervista/internal/repository"
)

// MemoryRepository keeps session records in process. It is used when no
// database is configured.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]repository.Session
}

func NewMemoryRepository() repository.Repository {
	return &MemoryRepository{sessions: make(map[string]repository.Session)}
}

func (r *MemoryRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[input.ID]; exists {
		return nil, fmt.Errorf("session %s already exists", input.ID)
	}
	s := repository.Session{
		ID:         input.ID,
		Capability: input.Capability,
		StartedAt:  input.StartedAt,
		Status:     repository.SessionStatusRunning,
	}
	r.sessions[input.ID] = s
	return &s, nil
}

func (r *MemoryRepository) CompleteSession(_ context.Context, input repository.CompleteSessionInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[input.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", input.SessionID, repository.ErrSessionNotFound)
	}
	endedAt := input.EndedAt
	s.EndedAt = &endedAt
	s.Status = input.Status
	s.StopReason = input.StopReason
	s.ReconnectAttempts = input.ReconnectAttempts
	r.sessions[input.SessionID] = s
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryRepository) ListRunningSessions(_ context.Context) ([]repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []repository.Session
	for _, s := range r.sessions {
		if s.Status == repository.SessionStatusRunning {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list, nil
}
