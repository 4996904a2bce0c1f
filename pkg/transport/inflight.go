package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks open event streams per session so they can be
// ended when the session is deleted. A session may have several streams.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	nextID  int
	entries map[string]map[int]context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]map[int]context.CancelFunc),
	}
}

// Register adds a stream for sessionID. The returned function removes it
// without cancelling; call it when the stream ends on its own.
func (r *InFlightRegistry) Register(sessionID string, cancel context.CancelFunc) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	if r.entries[sessionID] == nil {
		r.entries[sessionID] = make(map[int]context.CancelFunc)
	}
	r.entries[sessionID][id] = cancel

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		streams := r.entries[sessionID]
		delete(streams, id)
		if len(streams) == 0 {
			delete(r.entries, sessionID)
		}
	}
}

// Cancel ends every stream of sessionID and returns how many there were.
func (r *InFlightRegistry) Cancel(sessionID string) int {
	r.mu.Lock()
	streams := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()

	for _, cancel := range streams {
		cancel()
	}
	return len(streams)
}

// Len returns the number of open streams across all sessions.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, streams := range r.entries {
		n += len(streams)
	}
	return n
}

// CancelAll ends every open stream and returns how many there were.
func (r *InFlightRegistry) CancelAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]map[int]context.CancelFunc)
	r.mu.Unlock()

	n := 0
	for _, streams := range entries {
		for _, cancel := range streams {
			cancel()
			n++
		}
	}
	return n
}
