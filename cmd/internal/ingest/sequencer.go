package ingest

import (
	"context"
	"sort"
	"sync"

	"murmur/cmd/internal/logstore"
)

// sequencer orders broadcasts without serializing appends.
//
// Every append takes a ticket before it starts. A stored message becomes
// ready when its append returns, and is released once every append that
// started before that moment has finished. Ready messages leave in id order
// and only from the head, so a message never overtakes a lower id stored by
// this process on a commit-ordered backend.
type sequencer struct {
	mu       sync.Mutex
	next     uint64
	inflight map[uint64]struct{}
	ready    []pendingBroadcast

	// emit serializes delivery of released batches in release order.
	emit sync.Mutex
}

type pendingBroadcast struct {
	ctx     context.Context
	msg     logstore.Message
	waitFor uint64 // tickets below this must be finished
}

func newSequencer() *sequencer {
	return &sequencer{inflight: map[uint64]struct{}{}}
}

// begin registers an append about to start.
func (s *sequencer) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	s.inflight[t] = struct{}{}
	return t
}

// finish retires ticket t, queues m when non-nil, and hands every releasable
// message to send in id order. ctx is detached from cancellation: a stored
// message is broadcast even if its publisher has gone away.
func (s *sequencer) finish(ctx context.Context, t uint64, m *logstore.Message, send func(context.Context, logstore.Message)) {
	s.mu.Lock()
	delete(s.inflight, t)
	if m != nil {
		s.ready = append(s.ready, pendingBroadcast{
			ctx:     context.WithoutCancel(ctx),
			msg:     *m,
			waitFor: s.next,
		})
		sort.Slice(s.ready, func(i, j int) bool { return s.ready[i].msg.ID < s.ready[j].msg.ID })
	}

	oldest, busy := s.oldestInflight()
	n := 0
	for n < len(s.ready) && (!busy || oldest >= s.ready[n].waitFor) {
		n++
	}
	batch := append([]pendingBroadcast(nil), s.ready[:n]...)
	s.ready = s.ready[n:]

	s.emit.Lock()
	s.mu.Unlock()
	defer s.emit.Unlock()

	for _, p := range batch {
		send(p.ctx, p.msg)
	}
}

func (s *sequencer) oldestInflight() (uint64, bool) {
	var (
		oldest uint64
		busy   bool
	)
	for t := range s.inflight {
		if !busy || t < oldest {
			oldest, busy = t, true
		}
	}
	return oldest, busy
}
