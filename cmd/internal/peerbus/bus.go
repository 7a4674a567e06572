// Package peerbus is the process-group publish/subscribe primitive that lets
// several murmur workers on one host behave as one broadcast domain.
//
// There is a single topic, Topic. Delivery is at-least-once with no ordering
// guarantee across publishers; subscribers that care about duplicates can use
// Event.ID, which is globally unique.
package peerbus

import (
	"context"
	"errors"
)

// Topic is the only topic carried by the bus.
const Topic = "message-broadcast"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("peerbus: closed")
	// ErrBacklogFull is returned when the unacknowledged outbox is full.
	ErrBacklogFull = errors.New("peerbus: outbox full")
)

// Event is one accepted message propagated to peers.
type Event struct {
	Origin  string `json:"origin"`
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// Bus publishes events to every peer and streams events from them.
//
// Contract:
//   - Publish must not wait for remote peers; it may wait for local buffer space.
//   - The channel returned by Subscribe is closed when ctx is done or the bus closes.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}
