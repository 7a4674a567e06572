// Package ingest accepts published messages: it persists them, suppresses
// duplicates, and hands newly stored messages to the broadcaster.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/metrics"
)

// Status is the outcome of one Ingest call.
type Status int

const (
	// Rejected means the message was not stored; the publisher is not acknowledged.
	Rejected Status = iota
	// Accepted means the message was stored and broadcast.
	Accepted
	// AlreadySeen means the token was already stored; nothing was broadcast.
	AlreadySeen
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return metrics.OutcomeAccepted
	case AlreadySeen:
		return metrics.OutcomeAlreadySeen
	default:
		return metrics.OutcomeRejected
	}
}

// Acknowledge reports whether the publisher should receive an ack.
func (s Status) Acknowledge() bool { return s == Accepted || s == AlreadySeen }

// Result describes one Ingest call. ID is set only for Accepted.
type Result struct {
	Status Status
	ID     int64
}

// Broadcaster receives every newly accepted message exactly once.
type Broadcaster interface {
	Broadcast(ctx context.Context, m logstore.Message)
}

// Pipeline is the only place that classifies store errors.
//
// Appends run concurrently, so a slow store write suspends only its own
// publisher. Within one process broadcasts still follow append order: a
// stored message waits for appends that started before it returned.
type Pipeline struct {
	store   logstore.Store
	bc      Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics

	seq *sequencer
}

// New constructs a Pipeline.
func New(store logstore.Store, bc Broadcaster, log *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: nil store")
	}
	if bc == nil {
		return nil, errors.New("ingest: nil broadcaster")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: store, bc: bc, log: log, metrics: m, seq: newSequencer()}, nil
}

// Ingest stores content under token and broadcasts it if it is new.
//
// An empty token disables deduplication. A store failure yields Rejected and
// a non-nil error wrapping the store error; it is not retried here.
//
// An accepted message may be broadcast by a concurrent Ingest call that
// finishes later, never before a lower id this process stored.
func (p *Pipeline) Ingest(ctx context.Context, content, token string) (Result, error) {
	ticket := p.seq.begin()

	start := time.Now()
	id, err := p.store.Append(ctx, content, token)
	elapsed := time.Since(start)

	var stored *logstore.Message
	if err == nil {
		stored = &logstore.Message{ID: id, Token: token, Content: content}
	}
	p.seq.finish(ctx, ticket, stored, p.bc.Broadcast)

	switch {
	case err == nil:
		p.metrics.ObserveIngest(metrics.OutcomeAccepted, elapsed)
		return Result{Status: Accepted, ID: id}, nil

	case logstore.IsDuplicate(err):
		p.metrics.ObserveIngest(metrics.OutcomeAlreadySeen, elapsed)
		p.log.Debug("ingest.duplicate", "client_offset", token)
		return Result{Status: AlreadySeen}, nil

	default:
		p.metrics.ObserveIngest(metrics.OutcomeRejected, elapsed)
		p.log.Error("ingest.rejected", "client_offset", token, "err", err)
		return Result{Status: Rejected}, fmt.Errorf("ingest: %w", err)
	}
}
