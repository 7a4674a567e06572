package peerbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultOutboxLimit = 1 << 16
	relayDialTimeout   = 3 * time.Second
	relayMinBackoff    = 100 * time.Millisecond
	relayMaxBackoff    = 5 * time.Second
)

// RelayClientConfig configures a worker's connection to the relay.
type RelayClientConfig struct {
	URL         string // ws://127.0.0.1:port/peer
	Origin      string // this worker's node id
	OutboxLimit int
	Buffer      int // per-subscriber buffer
}

// RelayClient is a Bus backed by a RelayServer.
//
// Publishes go to an outbox and stay there until the relay acks them; after a
// reconnect every unacked frame is sent again (at-least-once). Received events
// are fanned out to local subscribers, skipping this worker's own origin.
type RelayClient struct {
	cfg  RelayClientConfig
	log  *slog.Logger
	subs *subscribers

	mu      sync.Mutex
	pubSeq  uint64
	pending []frame // unacked publishes, ascending PubSeq
	epoch   string
	offset  uint64 // last relay offset received
	closed  bool

	kick      chan struct{}
	connected chan struct{} // closed once the relay welcomes us
	connOnce  sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelayClient validates cfg and starts the connection loop.
func NewRelayClient(log *slog.Logger, cfg RelayClientConfig) (*RelayClient, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.Origin = strings.TrimSpace(cfg.Origin)
	if cfg.URL == "" {
		return nil, errors.New("peerbus: relay url is required")
	}
	if cfg.Origin == "" {
		return nil, errors.New("peerbus: origin is required")
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = defaultOutboxLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RelayClient{
		cfg:       cfg,
		log:       log,
		subs:      newSubscribers(),
		kick:      make(chan struct{}, 1),
		connected: make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.loop(ctx)
	return c, nil
}

// Publish queues e for the relay. It never waits for the network.
func (c *RelayClient) Publish(_ context.Context, e Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.pending) >= c.cfg.OutboxLimit {
		c.mu.Unlock()
		return ErrBacklogFull
	}
	c.pubSeq++
	c.pending = append(c.pending, frame{
		Type:    framePublish,
		Origin:  c.cfg.Origin,
		PubSeq:  c.pubSeq,
		ID:      e.ID,
		Content: e.Content,
	})
	c.mu.Unlock()

	c.signal()
	return nil
}

// Subscribe streams events published by other workers.
func (c *RelayClient) Subscribe(ctx context.Context) (<-chan Event, error) {
	return c.subs.subscribe(ctx, c.cfg.Buffer)
}

// Connected is closed after the relay first accepts the subscription.
func (c *RelayClient) Connected() <-chan struct{} { return c.connected }

// Pending returns the number of unacknowledged publishes.
func (c *RelayClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the connection loop and closes subscriber channels.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	c.subs.close()
	return nil
}

func (c *RelayClient) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *RelayClient) loop(ctx context.Context) {
	defer close(c.done)

	backoff := relayMinBackoff
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > relayMaxBackoff {
			backoff = relayMinBackoff
		}
		c.log.Info("peer.relay.disconnected", "origin", c.cfg.Origin, "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > relayMaxBackoff {
			backoff = relayMaxBackoff
		}
	}
}

// session runs one connection: handshake, resend unacked, then pump frames.
func (c *RelayClient) session(parent context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(parent, relayDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{RelaySubprotocol},
		HTTPHeader:   http.Header{"X-Murmur-Origin": []string{c.cfg.Origin}},
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(relayMaxFrameBytes)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	hello := frame{Type: frameSubscribe, Topic: Topic, Origin: c.cfg.Origin, Epoch: c.epoch, After: c.offset}
	c.mu.Unlock()

	if err := writeFrame(ctx, conn, hello, relayWriteTimeout); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.log.Info("peer.relay.connected", "origin", c.cfg.Origin, "url", c.cfg.URL, "after", hello.After)

	errCh := make(chan error, 2)
	go func() { errCh <- c.writeLoop(ctx, conn) }()
	go func() { errCh <- c.readLoop(ctx, conn) }()

	err = <-errCh
	cancel()
	<-errCh
	return err
}

// writeLoop sends every pending frame not yet sent on this connection.
func (c *RelayClient) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	var sent uint64 // highest PubSeq written on this connection
	for {
		c.mu.Lock()
		batch := make([]frame, 0, len(c.pending))
		for _, f := range c.pending {
			if f.PubSeq > sent {
				batch = append(batch, f)
			}
		}
		c.mu.Unlock()

		for _, f := range batch {
			if err := writeFrame(ctx, conn, f, relayWriteTimeout); err != nil {
				return err
			}
			sent = f.PubSeq
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		}
	}
}

func (c *RelayClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return err
		}
		switch f.Type {
		case frameWelcome:
			c.mu.Lock()
			c.epoch = f.Epoch
			c.offset = f.Offset
			c.mu.Unlock()
			c.connOnce.Do(func() { close(c.connected) })
		case frameAck:
			c.ack(f.PubSeq)
		case frameEvent:
			if err := c.receive(ctx, f); err != nil {
				return err
			}
		}
	}
}

// receive hands an event frame to local subscribers and only then records
// its offset, so an undelivered event is requested again on resubscribe.
func (c *RelayClient) receive(ctx context.Context, f frame) error {
	if f.Origin != c.cfg.Origin {
		if err := c.subs.deliver(ctx, f.event()); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.epoch = f.Epoch
	c.offset = f.Offset
	c.mu.Unlock()
	return nil
}

func (c *RelayClient) ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	for i < len(c.pending) && c.pending[i].PubSeq <= seq {
		i++
	}
	if i > 0 {
		c.pending = append(c.pending[:0], c.pending[i:]...)
	}
}
