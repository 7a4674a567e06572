package realtime

import (
	"log/slog"
	"sync"
	"time"

	"murmur/cmd/internal/fanout"
	"murmur/cmd/internal/metrics"
)

// Hub owns client sessions: it registers them for fan-out, parks them on
// disconnect and expires parked sessions that are not resumed in time.
type Hub struct {
	log     *slog.Logger
	reg     *fanout.Registry
	metrics *metrics.Metrics

	sendQueueSize int
	maxDisconnect time.Duration

	mu     sync.Mutex
	parked map[string]*time.Timer
	closed bool
}

// HubConfig configures session continuity.
type HubConfig struct {
	// SendQueueSize bounds each session's queue, including while parked.
	SendQueueSize int
	// MaxDisconnect is how long a parked session waits for a resume.
	// Zero uses the default; negative disables session continuity.
	MaxDisconnect time.Duration
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, reg *fanout.Registry, m *metrics.Metrics, cfg HubConfig) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = fanout.NewRegistry()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = recoveryMaxBuffer
	}
	if cfg.MaxDisconnect == 0 {
		cfg.MaxDisconnect = recoveryMaxDisconnect
	}
	return &Hub{
		log:           log,
		reg:           reg,
		metrics:       m,
		sendQueueSize: cfg.SendQueueSize,
		maxDisconnect: cfg.MaxDisconnect,
		parked:        make(map[string]*time.Timer),
	}
}

// Registry returns the fan-out registry sessions are attached to.
func (h *Hub) Registry() *fanout.Registry { return h.reg }

// Open creates a new holding session and registers it for fan-out.
func (h *Hub) Open(now time.Time) (*Client, error) {
	id, err := NewSessionID(now)
	if err != nil {
		return nil, err
	}
	c := NewClient(id, h.sendQueueSize)
	h.reg.Add(c)
	return c, nil
}

// Resume reattaches the parked session sessionID. It fails when the session
// is unknown, expired, still attached or lossy, or when serverOffset is below
// an id already written to it; a parked session that fails is discarded.
func (h *Hub) Resume(sessionID string, serverOffset int64) (*Client, bool) {
	if sessionID == "" {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.parked[sessionID]
	if !ok {
		return nil, false
	}
	s, ok := h.reg.Get(sessionID)
	if !ok {
		return nil, false
	}
	c, ok := s.(*Client)
	if !ok {
		return nil, false
	}
	if !c.resume(serverOffset) {
		// The client missed part of what this session wrote; it starts over.
		h.discardLocked(c)
		return nil, false
	}

	t.Stop()
	delete(h.parked, sessionID)
	h.metrics.SessionResumed()
	return c, true
}

// Park detaches c after its connection ended. A lossy session, or any
// session when continuity is disabled, is discarded instead.
func (h *Hub) Park(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.maxDisconnect < 0 || !c.park() {
		h.discardLocked(c)
		return
	}

	id := c.SessionID
	h.parked[id] = time.AfterFunc(h.maxDisconnect, func() { h.expire(c) })
	h.log.Debug("session.parked", "session_id", id)
}

// Discard drops c immediately.
func (h *Hub) Discard(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discardLocked(c)
}

func (h *Hub) expire(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.parked[c.SessionID]; !ok {
		return
	}
	h.discardLocked(c)
	h.log.Debug("session.expired", "session_id", c.SessionID)
}

func (h *Hub) discardLocked(c *Client) {
	if t, ok := h.parked[c.SessionID]; ok {
		t.Stop()
		delete(h.parked, c.SessionID)
	}
	h.reg.Remove(c.SessionID, c)
	c.Close()
}

// Parked returns the number of sessions waiting for a resume.
func (h *Hub) Parked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.parked)
}

// Close discards every parked session and disables parking.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, t := range h.parked {
		t.Stop()
		if s, ok := h.reg.Get(id); ok {
			if c, ok := s.(*Client); ok {
				h.reg.Remove(id, c)
				c.Close()
			}
		}
		delete(h.parked, id)
	}
}
