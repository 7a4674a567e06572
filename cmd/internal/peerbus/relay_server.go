package peerbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultRelayBacklog = 4096
	relayWriteTimeout   = 5 * time.Second
	relayMaxFrameBytes  = 1 << 20
)

// RelayServer is the host-local hub every worker connects to.
//
// It keeps a bounded backlog of recent events keyed by a relay offset.
// A worker that reconnects sends the last offset it saw and receives the
// backlog after it, so events published while it was away are not lost
// (as long as they are still in the backlog). Events are never echoed back
// to the worker that published them.
type RelayServer struct {
	log *slog.Logger

	// epoch changes on every relay start; offsets from another epoch are meaningless.
	epoch string

	mu         sync.Mutex
	nextOffset uint64
	backlog    []frame
	maxBacklog int
	peers      map[*relayPeer]struct{}
}

type relayPeer struct {
	origin string
	send   chan frame
	done   chan struct{}
	once   sync.Once
}

func (p *relayPeer) close() {
	p.once.Do(func() { close(p.done) })
}

// NewRelayServer constructs a relay. maxBacklog <= 0 uses a default.
func NewRelayServer(log *slog.Logger, maxBacklog int) *RelayServer {
	if log == nil {
		log = slog.Default()
	}
	if maxBacklog <= 0 {
		maxBacklog = defaultRelayBacklog
	}
	return &RelayServer{
		log:        log,
		epoch:      newEpoch(),
		nextOffset: 1,
		backlog:    make([]frame, 0, 64),
		maxBacklog: maxBacklog,
		peers:      make(map[*relayPeer]struct{}),
	}
}

// Epoch identifies this relay instance.
func (s *RelayServer) Epoch() string { return s.epoch }

// Peers returns the number of connected workers.
func (s *RelayServer) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ServeHTTP upgrades a worker connection and runs it until it closes.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{RelaySubprotocol},
	})
	if err != nil {
		s.log.Error("relay.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != RelaySubprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(relayMaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := readFrame(ctx, conn)
	if err != nil || hello.Type != frameSubscribe || strings.TrimSpace(hello.Origin) == "" {
		s.log.Info("relay.reject.handshake", "err", err, "type", hello.Type)
		_ = conn.Close(websocket.StatusPolicyViolation, "subscribe required")
		return
	}
	if hello.Topic != "" && hello.Topic != Topic {
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown topic")
		return
	}

	peer := s.attach(hello)
	defer s.detach(peer)

	s.log.Info("relay.peer.join", "origin", peer.origin, "after", hello.After)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-peer.done:
				_ = conn.Close(websocket.StatusTryAgainLater, "slow peer")
				return
			case f := <-peer.send:
				if err := writeFrame(ctx, conn, f, relayWriteTimeout); err != nil {
					s.log.Info("relay.write.fail", "origin", peer.origin, "err", err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.log.Info("relay.read.fail", "origin", peer.origin, "err", err)
			}
			break
		}
		if f.Type != framePublish {
			continue
		}
		f.Origin = peer.origin
		s.publish(peer, f)
	}

	cancel()
	<-writerDone
	s.log.Info("relay.peer.leave", "origin", peer.origin)
}

// attach registers a peer and queues the backlog it missed.
func (s *RelayServer) attach(hello frame) *relayPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer := &relayPeer{
		origin: hello.Origin,
		send:   make(chan frame, s.backlogLimit()+257),
		done:   make(chan struct{}),
	}

	// A fresh worker starts at the tail; a worker from a previous relay epoch
	// missed everything this relay has seen.
	after := hello.After
	switch hello.Epoch {
	case "":
		after = s.nextOffset - 1
	case s.epoch:
	default:
		after = 0
	}
	if len(s.backlog) > 0 && after+1 < s.backlog[0].Offset {
		s.log.Warn("relay.backlog.gap", "origin", peer.origin, "after", after, "oldest", s.backlog[0].Offset)
	}
	peer.send <- frame{Type: frameWelcome, Epoch: s.epoch, Offset: after}
	for _, f := range s.backlog {
		if f.Offset <= after || f.Origin == peer.origin {
			continue
		}
		peer.send <- f
	}

	s.peers[peer] = struct{}{}
	return peer
}

func (s *RelayServer) backlogLimit() int {
	return s.maxBacklog + s.maxBacklog/4
}

func (s *RelayServer) detach(p *relayPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.close()
}

// publish assigns an offset, records the frame, forwards it and acks the publisher.
func (s *RelayServer) publish(from *relayPeer, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := frame{
		Type:    frameEvent,
		Epoch:   s.epoch,
		Offset:  s.nextOffset,
		Origin:  f.Origin,
		ID:      f.ID,
		Content: f.Content,
	}
	s.nextOffset++

	// Trim in chunks so steady state does not shift the slice on every publish.
	s.backlog = append(s.backlog, ev)
	if len(s.backlog) > s.backlogLimit() {
		n := copy(s.backlog, s.backlog[len(s.backlog)-s.maxBacklog:])
		s.backlog = s.backlog[:n]
	}

	for p := range s.peers {
		if p == from {
			continue
		}
		s.enqueue(p, ev)
	}
	s.enqueue(from, frame{Type: frameAck, PubSeq: f.PubSeq})
}

// enqueue never blocks. A peer that cannot keep up is disconnected; it will
// reconnect and catch up from the backlog.
func (s *RelayServer) enqueue(p *relayPeer, f frame) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- f:
	default:
		s.log.Warn("relay.peer.slow", "origin", p.origin)
		p.close()
	}
}

func newEpoch() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return hex.EncodeToString(b)
}
