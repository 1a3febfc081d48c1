package quota

import (
	"sync"
	"time"
)

// State is the call budget bookkeeping for one external provider.
type State struct {
	Minute     []time.Time
	DailyCount int
	DayKey     string
}

// Store holds State. Update must apply fn atomically.
type Store interface {
	Update(fn func(*State))
}

// MemoryStore is the process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Update(fn func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
}
