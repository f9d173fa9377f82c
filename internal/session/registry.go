package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrDuplicateSession = errors.New("session id already registered")

// Registry tracks live engines by id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Engine
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Engine)}
}

func (r *Registry) Add(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[e.ID()]; exists {
		return ErrDuplicateSession
	}
	r.sessions[e.ID()] = e
	return nil
}

func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	return e, ok
}

// Remove unregisters id and returns the engine that was registered, if any.
func (r *Registry) Remove(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the registered engines ordered by id.
func (r *Registry) List() []*Engine {
	r.mu.Lock()
	list := make([]*Engine, 0, len(r.sessions))
	for _, e := range r.sessions {
		list = append(list, e)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Range calls fn for each registered engine in id order until fn returns
// false. fn runs without the registry lock held.
func (r *Registry) Range(fn func(*Engine) bool) {
	for _, e := range r.List() {
		if !fn(e) {
			return
		}
	}
}

// Inactive returns engines whose last activity is older than maxIdle.
func (r *Registry) Inactive(now time.Time, maxIdle time.Duration) []*Engine {
	var idle []*Engine
	r.Range(func(e *Engine) bool {
		if now.Sub(e.LastActivity()) > maxIdle {
			idle = append(idle, e)
		}
		return true
	})
	return idle
}
