package peerbus

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// subscribers is a local fanout set shared by the bus implementations.
type subscriber struct {
	ch   chan Event
	done <-chan struct{}
}

type subscribers struct {
	mu     sync.RWMutex
	subs   map[uint64]subscriber
	seq    atomic.Uint64
	closed bool
}

func newSubscribers() *subscribers {
	return &subscribers{subs: map[uint64]subscriber{}}
}

func (s *subscribers) subscribe(ctx context.Context, buffer int) (<-chan Event, error) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	id := s.seq.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.subs[id] = subscriber{ch: ch, done: ctx.Done()}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.remove(id)
	}()
	return ch, nil
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// deliver waits for buffer space in every subscriber, bounded by ctx.
// It holds the read lock while sending so remove cannot close a channel
// mid-send; a subscriber whose context is done is skipped.
func (s *subscribers) deliver(ctx context.Context, e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- e:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *subscribers) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// MemoryBus is an in-process bus. It connects components that share one
// process: a single worker, or several Broadcasters in tests.
//
// Publish waits for subscriber buffer space instead of dropping, so every
// subscriber sees every event (at-least-once within the process).
type MemoryBus struct {
	subs   *subscribers
	buffer int
}

// NewMemoryBus returns an in-memory bus. buffer <= 0 uses a default.
func NewMemoryBus(buffer int) *MemoryBus {
	return &MemoryBus{subs: newSubscribers(), buffer: buffer}
}

// Publish delivers e to every current subscriber.
func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	return b.subs.deliver(ctx, e)
}

// Subscribe registers a subscriber until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	return b.subs.subscribe(ctx, b.buffer)
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.subs.close()
	return nil
}

// Subscribers reports how many subscriptions are active.
func (b *MemoryBus) Subscribers() int {
	b.subs.mu.RLock()
	defer b.subs.mu.RUnlock()
	return len(b.subs.subs)
}
