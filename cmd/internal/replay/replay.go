// Package replay brings a reconnecting client up to date from the durable log.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/metrics"
)

// ErrReplayFailure matches every error returned by Replay.
var ErrReplayFailure = errors.New("replay: failure")

// ReplayError reports a replay that stopped partway.
// Messages already emitted stand; Delivered counts them.
type ReplayError struct {
	Delivered int
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay: stopped after %d messages: %v", e.Delivered, e.Err)
}

func (e *ReplayError) Unwrap() []error { return []error{ErrReplayFailure, e.Err} }

// Session is the client state replay needs.
type Session struct {
	// LastSeenID is the highest message id the client has; 0 means none.
	LastSeenID int64
	// Resumed is true when the transport restored the session with no gap.
	Resumed bool
}

// Replayer reads missed messages from the store for one client.
type Replayer struct {
	store   logstore.Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a Replayer.
func New(store logstore.Store, log *slog.Logger, m *metrics.Metrics) (*Replayer, error) {
	if store == nil {
		return nil, errors.New("replay: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{store: store, log: log, metrics: m}, nil
}

// Replay emits every stored message with id > sess.LastSeenID, ascending,
// to one client. A resumed session needs nothing and causes no store read.
//
// Replay runs to the end of the log as of the call, then returns the number
// of messages emitted. An emit or store error stops the replay.
func (r *Replayer) Replay(ctx context.Context, sess Session, emit func(logstore.Message) error) (int, error) {
	if sess.Resumed {
		r.metrics.ObserveReplaySkipped()
		return 0, nil
	}
	if emit == nil {
		return 0, &ReplayError{Err: errors.New("nil emit")}
	}

	after := sess.LastSeenID
	if after < 0 {
		after = 0
	}

	n := 0
	err := r.store.ReadFrom(ctx, after, func(m logstore.Message) error {
		if err := emit(m); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		r.metrics.ObserveReplay(n, true)
		r.log.Warn("replay.fail", "after", after, "delivered", n, "err", err)
		return n, &ReplayError{Delivered: n, Err: err}
	}

	r.metrics.ObserveReplay(n, false)
	if n > 0 {
		r.log.Debug("replay.done", "after", after, "delivered", n)
	}
	return n, nil
}
