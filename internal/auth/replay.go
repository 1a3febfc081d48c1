package auth

import (
	"sync"
	"time"
)

// ReplayGuard remembers consumed token IDs until they expire.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewReplayGuard(now func() time.Time) *ReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{seen: make(map[string]time.Time), now: now}
}

// Consume returns true the first time id is presented.
func (g *ReplayGuard) Consume(id string, expiresAt time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = expiresAt
	return true
}

// Len returns the number of remembered IDs.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
