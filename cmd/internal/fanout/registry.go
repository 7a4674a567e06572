// Package fanout delivers accepted messages to every connected client, on
// this worker and, through the peer bus, on every other worker.
package fanout

import (
	"sync"

	"murmur/cmd/internal/logstore"
)

// Sink is one local delivery target (a connected or parked client session).
//
// Deliver must not block: it either queues the message and returns true, or
// drops it and returns false.
type Sink interface {
	ID() string
	Deliver(m logstore.Message) bool
}

// Registry is the explicit set of sinks attached to this worker.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent DeliverAll.
// - DeliverAll never blocks on a sink.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Add registers s, replacing any sink with the same id.
func (r *Registry) Add(s Sink) {
	if r == nil || s == nil || s.ID() == "" {
		return
	}
	r.mu.Lock()
	r.sinks[s.ID()] = s
	r.mu.Unlock()
}

// Remove unregisters the sink with the given id if it is still s.
// Passing a nil sink removes whatever is registered under id.
func (r *Registry) Remove(id string, s Sink) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sinks[id]; ok && (s == nil || cur == s) {
		delete(r.sinks, id)
	}
}

// Get returns the sink registered under id.
func (r *Registry) Get(id string) (Sink, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// Len returns the number of registered sinks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// DeliverAll offers m to every sink and reports how many accepted or dropped it.
func (r *Registry) DeliverAll(m logstore.Message) (delivered, dropped int) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sinks {
		if s.Deliver(m) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
