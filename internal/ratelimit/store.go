package ratelimit

import (
	"sync"
	"time"
)

// Entry is the per-key attempt history.
type Entry struct {
	Timestamps  []time.Time
	LockedUntil time.Time
}

// Locked reports whether the entry is locked at t.
func (e *Entry) Locked(t time.Time) bool {
	return !e.LockedUntil.IsZero() && t.Before(e.LockedUntil)
}

// Store holds rate limit entries. Update must apply fn atomically for the key;
// a shared implementation can back it with a distributed counter.
type Store interface {
	Update(key string, fn func(*Entry))
	Delete(key string)
	// Sweep removes every entry for which drop returns true and reports how
	// many were removed.
	Sweep(drop func(*Entry) bool) int
}

// MemoryStore is the process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Update(key string, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &Entry{}
		m.entries[key] = e
	}
	fn(e)
}

func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *MemoryStore) Sweep(drop func(*Entry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if drop(e) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
