package store

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/db"
)

// Hub fans the events of applied commits out to all registered watchers.
// Both store implementations use it; the distributed store shares one Hub between
// the state machine (producer) and the store client (registration).
type Hub struct {
	mu       sync.RWMutex
	next     uint64
	watchers map[uint64]WatchFunc
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[uint64]WatchFunc)}
}

// Add registers fn and returns a function that removes it again.
// The returned function is idempotent.
func (h *Hub) Add(fn WatchFunc) (cancel func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.watchers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
		})
	}
}

// Emit calls every watcher with events. Empty event lists are dropped.
func (h *Hub) Emit(events []db.Event) {
	if len(events) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.watchers {
		fn(events)
	}
}

// Len returns the number of registered watchers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}
