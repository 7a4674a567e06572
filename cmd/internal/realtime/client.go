package realtime

import (
	"context"
	"sync"

	"murmur/cmd/internal/logstore"
	v1 "murmur/shared/contracts/realtime/v1"
)

type clientState uint8

const (
	// stateHolding: attached, replay running. Live messages are held.
	stateHolding clientState = iota
	// stateLive: attached, live messages go straight to the send queue.
	stateLive
	// stateParked: detached, waiting for a resume. Messages keep queueing.
	stateParked
	// stateClosed: expired or discarded; delivers nothing.
	stateClosed
)

// outbound is one send queue item: a stored message or a control envelope.
type outbound struct {
	msg   logstore.Message
	env   v1.Envelope
	isMsg bool
}

// Client is one client session. It outlives a single websocket connection:
// after a disconnect it is parked and keeps queueing messages, so a quick
// reconnect resumes it without replay.
//
// Design notes:
//   - send is never closed, so concurrent Deliver calls cannot panic.
//   - A full send queue makes the session lossy. A lossy session is never
//     resumed, so the client falls back to replay and misses nothing.
//   - Close is idempotent.
type Client struct {
	SessionID string

	send chan outbound

	mu        sync.Mutex
	state     clientState
	held      []logstore.Message
	heldLimit int
	heldOver  bool
	lossy     bool

	// Resume bookkeeping: the first skipCount queued items with an id at or
	// below skipFloor were already seen by the client.
	skipFloor int64
	skipCount int
	unsent    *outbound

	// written is the highest message id a connection finished writing.
	written int64

	kick      chan struct{}
	kickOnce  *sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a holding Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	c := &Client{
		SessionID: sessionID,
		send:      make(chan outbound, sendQueueSize),
		heldLimit: sendQueueSize,
		done:      make(chan struct{}),
	}
	c.resetKick()
	return c
}

// ID implements fanout.Sink.
func (c *Client) ID() string { return c.SessionID }

// Deliver implements fanout.Sink. It never blocks.
func (c *Client) Deliver(m logstore.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateHolding:
		if len(c.held) >= c.heldLimit {
			c.heldOver = true
			return false
		}
		c.held = append(c.held, m)
		return true

	case stateLive, stateParked:
		return c.queueLocked(outbound{msg: m, isMsg: true})

	default:
		return false
	}
}

// queueLocked does a non-blocking enqueue. On overflow the session turns
// lossy and an attached connection is kicked.
func (c *Client) queueLocked(o outbound) bool {
	select {
	case c.send <- o:
		return true
	default:
		c.lossy = true
		if c.state == stateLive || c.state == stateHolding {
			c.kickOnce.Do(func() { close(c.kick) })
		}
		return false
	}
}

// Emit queues a replayed message, waiting for space. Used only while holding,
// when no live delivery competes for the queue.
func (c *Client) Emit(ctx context.Context, m logstore.Message) error {
	select {
	case c.send <- outbound{msg: m, isMsg: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return context.Canceled
	}
}

// EnqueueEnvelope queues a control envelope without blocking.
func (c *Client) EnqueueEnvelope(env v1.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	return c.queueLocked(outbound{env: env})
}

// Release ends holding after a replay that emitted ids up to replayedMax.
// Held messages above replayedMax are queued and the client goes live.
//
// If held messages overflowed during the replay, nothing is queued and
// Release returns false: the caller must replay again from replayedMax.
func (c *Client) Release(replayedMax int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateHolding {
		return true
	}
	if c.heldOver {
		c.held = nil
		c.heldOver = false
		return false
	}

	c.state = stateLive
	held := c.held
	c.held = nil
	for _, m := range held {
		if m.ID <= replayedMax {
			continue
		}
		if !c.queueLocked(outbound{msg: m, isMsg: true}) {
			break
		}
	}
	return true
}

// park detaches the client from its connection.
func (c *Client) park() (resumable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	c.state = stateParked
	c.held = nil
	return !c.lossy
}

// resume reattaches a parked, loss-free session. Queued messages at or below
// serverOffset that were queued before the resume are skipped.
//
// A client reporting a serverOffset below an id already written to it did
// not receive everything, so the session cannot continue.
func (c *Client) resume(serverOffset int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateParked || c.lossy || serverOffset < c.written {
		return false
	}
	c.state = stateLive
	c.skipFloor = serverOffset
	c.skipCount = len(c.send)
	if c.unsent != nil {
		c.skipCount++
	}
	c.resetKick()
	return true
}

// skip reports whether a dequeued item was already seen by a resumed client.
func (c *Client) skip(o outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipCount <= 0 {
		return false
	}
	c.skipCount--
	return o.isMsg && o.msg.ID <= c.skipFloor
}

// takeUnsent returns the item whose write failed on the previous connection.
func (c *Client) takeUnsent() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsent == nil {
		return outbound{}, false
	}
	o := *c.unsent
	c.unsent = nil
	return o, true
}

// markWritten records a message the connection finished writing.
func (c *Client) markWritten(o outbound) {
	if !o.isMsg {
		return
	}
	c.mu.Lock()
	if o.msg.ID > c.written {
		c.written = o.msg.ID
	}
	c.mu.Unlock()
}

func (c *Client) setUnsent(o outbound) {
	c.mu.Lock()
	c.unsent = &o
	c.mu.Unlock()
}

func (c *Client) resetKick() {
	c.kick = make(chan struct{})
	c.kickOnce = &sync.Once{}
}

// Kicked is closed when the attached connection must be dropped
// because the send queue overflowed.
func (c *Client) Kicked() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kick
}

// Done returns a channel that is closed when the session is gone for good.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close ends the session (idempotent). It does NOT close send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.held = nil
		c.mu.Unlock()
		close(c.done)
	})
}

// markLossy prevents the session from being resumed.
func (c *Client) markLossy() {
	c.mu.Lock()
	c.lossy = true
	c.mu.Unlock()
}
