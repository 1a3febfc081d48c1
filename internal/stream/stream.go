// Package stream fans incident events out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"time"
)

// Event is one item pushed to incident subscribers.
type Event struct {
	Type       string    `json:"type"`
	IncidentID string    `json:"incident_id"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const bufferSize = 16

// Hub keeps independent subscriber sets per incident.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

func New() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a subscriber for incidentID. The channel is closed when
// ctx ends.
func (h *Hub) Subscribe(ctx context.Context, incidentID string) <-chan Event {
	ch := make(chan Event, bufferSize)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[incidentID] == nil {
		h.subs[incidentID] = make(map[int]chan Event)
	}
	h.subs[incidentID][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[incidentID], id)
		if len(h.subs[incidentID]) == 0 {
			delete(h.subs, incidentID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fans evt out to subscribers of its incident.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[evt.IncidentID] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of live subscribers for incidentID.
func (h *Hub) Subscribers(incidentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[incidentID])
}

// Emit publishes an event built from its parts.
func (h *Hub) Emit(incidentID, eventType string, data any) {
	h.Publish(Event{Type: eventType, IncidentID: incidentID, Data: data})
}
