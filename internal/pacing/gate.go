package pacing

import (
	"sync"
	"time"
)

// Gate allows at most one outstanding response request.
type Gate struct {
	mu      sync.Locker
	pending bool
	since   time.Time
	now     func() time.Time
}

func NewGate() *Gate {
	return NewGateWithLock(new(sync.Mutex))
}

// NewGateWithLock guards the pending flag with mu, which callers may share
// with other per-session state.
func NewGateWithLock(mu sync.Locker) *Gate {
	return &Gate{mu: mu, now: time.Now}
}

// TryRequest marks a response as pending and reports true only if none was.
func (g *Gate) TryRequest() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending {
		return false
	}
	g.pending = true
	g.since = g.now()
	return true
}

// Complete clears the pending flag and returns how long it was held.
func (g *Gate) Complete() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending {
		return 0
	}
	g.pending = false
	return g.now().Sub(g.since)
}

func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}
