package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"murmur/cmd/internal/ingest"
	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/replay"
	v1 "murmur/shared/contracts/realtime/v1"
)

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultHelloTimeout = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Ingester stores a published message and reports the outcome.
type Ingester interface {
	Ingest(ctx context.Context, content, token string) (ingest.Result, error)
}

// Replayer emits missed messages to one client.
type Replayer interface {
	Replay(ctx context.Context, sess replay.Session, emit func(logstore.Message) error) (int, error)
}

// GatewayConfig holds transport policy. Zero values pick the defaults.
type GatewayConfig struct {
	// Origin is required unless OriginRequired is false.
	OriginRequired bool
	AllowedOrigins []string
	// InsecureSkipVerify disables websocket.Accept's own origin check (dev only).
	InsecureSkipVerify bool

	WriteTimeout time.Duration
	// HelloTimeout bounds the wait for the first envelope.
	HelloTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSGateway is the WebSocket entrypoint for murmur clients.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// runs the hello handshake (resume or replay), and routes publishes to the
// ingestion pipeline.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	ingest   Ingester
	replayer Replayer
	metrics  *metrics.Metrics

	originRequired bool
	allowedOrigins []string
	devInsecure    bool

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout time.Duration
	helloTimeout time.Duration

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	// Hijacked connections outlive http.Server.Shutdown; these track them.
	stop     context.Context
	stopNow  context.CancelFunc
	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, hub *Hub, in Ingester, rp Replayer, m *metrics.Metrics) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil || in == nil || rp == nil {
		return nil, errors.New("realtime: gateway requires hub, ingester and replayer")
	}

	g := &WSGateway{
		log:      log,
		hub:      hub,
		ingest:   in,
		replayer: rp,
		metrics:  m,

		originRequired: cfg.OriginRequired,
		allowedOrigins: cfg.AllowedOrigins,
		devInsecure:    cfg.InsecureSkipVerify,

		writeTimeout:     orDuration(cfg.WriteTimeout, wsDefaultWriteTimeout),
		helloTimeout:     orDuration(cfg.HelloTimeout, wsDefaultHelloTimeout),
		heartbeatEvery:   orDuration(cfg.HeartbeatInterval, heartbeatInterval),
		heartbeatTimeout: orDuration(cfg.HeartbeatTimeout, heartbeatTimeout),
		rateEvents:       cfg.RateEvents,
		rateWindow:       cfg.RateWindow,
	}

	// websocket.Accept enforces its own origin policy (same host, or
	// OriginPatterns for cross-origin). Derive the patterns from the allowlist
	// so both layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)
	g.stop, g.stopNow = context.WithCancel(context.Background())
	return g, nil
}

// Shutdown refuses new upgrades, ends every open session and waits for their
// handlers to return, so the store can be closed safely afterwards.
func (g *WSGateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()
	g.stopNow()

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter registers a handler unless the gateway is draining.
func (g *WSGateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.active.Add(1)
	return true
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.active.Done()

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(g.stop, cancel)()

	client, hello, resumed, ok := g.handshake(ctx, conn)
	if !ok {
		return
	}
	sessionID := client.SessionID

	g.metrics.ClientConnected(1)
	defer g.metrics.ClientConnected(-1)

	g.log.Info("ws.session.open", "session_id", sessionID, "resumed", resumed, "server_offset", hello.ServerOffset, "remote", r.RemoteAddr)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close the session: the session is
	// parked after the writer exits.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, sessionID, shutdown)
	}()

	g.catchUp(ctx, client, hello, resumed)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		// Listen-only clients stay idle indefinitely; liveness is the heartbeat's job.
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(client, v1.CodeRateLimited, "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, v1.CodeBadEnvelope, err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypePublish:
			g.onPublish(ctx, client, env)

		case v1.TypeHello:
			g.trySendError(client, v1.CodeAlreadyHelloed, "hello already received", "")

		default:
			g.trySendError(client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.hub.Park(client)
	g.log.Info("ws.session.close", "session_id", sessionID)
}

// handshake reads the mandatory hello, resumes or opens a session and
// writes hello_ack.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn) (*Client, v1.HelloPayload, bool, bool) {
	var hello v1.HelloPayload

	readCtx, readCancel := context.WithTimeout(ctx, g.helloTimeout)
	env, err := readEnvelope(readCtx, conn)
	readCancel()
	if err != nil {
		if classifyReadErr(err) == readErrBadJSON {
			g.rejectHandshake(ctx, conn, v1.CodeBadJSON, "invalid JSON")
		}
		return nil, hello, false, false
	}
	if err := env.Validate(); err != nil {
		g.rejectHandshake(ctx, conn, v1.CodeBadEnvelope, err.Error())
		return nil, hello, false, false
	}
	if env.Type != v1.TypeHello {
		g.rejectHandshake(ctx, conn, v1.CodeHelloRequired, "first envelope must be hello")
		return nil, hello, false, false
	}
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&hello); err != nil {
			g.rejectHandshake(ctx, conn, v1.CodeBadPayload, "invalid hello payload")
			return nil, hello, false, false
		}
	}
	if hello.ServerOffset < 0 {
		hello.ServerOffset = 0
	}

	now := time.Now().UTC()
	client, resumed := g.hub.Resume(strings.TrimSpace(hello.SessionID), hello.ServerOffset)
	if !resumed {
		client, err = g.hub.Open(now)
		if err != nil {
			g.log.Error("ws.session.open.fail", "err", err)
			g.rejectHandshake(ctx, conn, v1.CodeHelloFailed, "session unavailable")
			return nil, hello, false, false
		}
	}

	// The writer is not running yet, so hello_ack goes out ahead of anything
	// a resumed session has queued.
	ack, err := g.newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID, Resumed: resumed})
	if err == nil {
		err = writeEnvelope(ctx, conn, ack, g.writeTimeout)
	}
	if err != nil {
		g.log.Info("ws.hello_ack.fail", "session_id", client.SessionID, "err", err)
		if resumed {
			g.hub.Park(client)
		} else {
			g.hub.Discard(client)
		}
		return nil, hello, false, false
	}
	return client, hello, resumed, true
}

// rejectHandshake writes an error directly (no session exists yet) and closes.
func (g *WSGateway) rejectHandshake(ctx context.Context, conn *websocket.Conn, code, msg string) {
	if env, err := g.newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}); err == nil {
		_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
	}
	_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
}

// catchUp runs the replay for a new session and then releases it to live
// delivery. Held live messages that overflowed force another replay pass.
func (g *WSGateway) catchUp(ctx context.Context, client *Client, hello v1.HelloPayload, resumed bool) {
	if resumed {
		_, _ = g.replayer.Replay(ctx, replay.Session{LastSeenID: hello.ServerOffset, Resumed: true}, nil)
		return
	}

	after := hello.ServerOffset
	for {
		upTo := after
		_, err := g.replayer.Replay(ctx, replay.Session{LastSeenID: after}, func(m logstore.Message) error {
			if err := client.Emit(ctx, m); err != nil {
				return err
			}
			if m.ID > upTo {
				upTo = m.ID
			}
			return nil
		})
		if err != nil {
			// The session has a gap now; it must not be resumed.
			client.markLossy()
			client.Release(upTo)
			if ctx.Err() == nil {
				g.log.Warn("ws.replay.fail", "session_id", client.SessionID, "after", after, "err", err)
				g.trySendError(client, v1.CodeReplayFailed, "history unavailable, reconnect to retry", "")
			}
			return
		}
		if client.Release(upTo) {
			return
		}
		g.log.Debug("ws.replay.again", "session_id", client.SessionID, "after", upTo)
		after = upTo
	}
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	kick := client.Kicked()

	write := func(o outbound) bool {
		if client.skip(o) {
			return true
		}
		if err := g.writeOutbound(ctx, conn, o); err != nil {
			client.setUnsent(o)
			g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
			shutdown(websocket.StatusAbnormalClosure, "write failed")
			return false
		}
		client.markWritten(o)
		return true
	}

	if o, ok := client.takeUnsent(); ok && !write(o) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			g.log.Info("ws.kick.slow", "session_id", client.SessionID)
			shutdown(websocket.StatusPolicyViolation, "slow consumer")
			return
		case o := <-client.send:
			if !write(o) {
				return
			}
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sessionID string, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- handlers ----

// onPublish runs the pipeline inline, so a slow store suspends only this connection.
func (g *WSGateway) onPublish(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.PublishPayload
	if err := env.DecodePayload(&p); err != nil {
		g.trySendError(client, v1.CodeBadPayload, "invalid publish payload", "")
		return
	}

	res, err := g.ingest.Ingest(ctx, p.Content, p.ClientOffset)
	if err != nil || !res.Status.Acknowledge() {
		g.log.Info("ws.publish.fail", "session_id", client.SessionID, "client_offset", p.ClientOffset, "err", err)
		g.trySendError(client, v1.CodePublishFailed, "message not stored, retry with the same client_offset", p.ClientOffset)
		return
	}

	ack, err := g.newEnvelope(v1.TypePublishAck, v1.PublishAckPayload{ClientOffset: p.ClientOffset})
	if err != nil {
		return
	}
	_ = client.EnqueueEnvelope(ack)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg, clientOffset string) {
	env, err := g.newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, ClientOffset: clientOffset})
	if err != nil {
		return
	}
	_ = client.EnqueueEnvelope(env)
}

func (g *WSGateway) newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(typ, id, now, payload)
}

func (g *WSGateway) writeOutbound(ctx context.Context, conn *websocket.Conn, o outbound) error {
	env := o.env
	if o.isMsg {
		var err error
		env, err = g.newEnvelope(v1.TypeMessage, v1.MessagePayload{ID: o.msg.ID, Content: o.msg.Content})
		if err != nil {
			return err
		}
	}
	return writeEnvelope(ctx, conn, env, g.writeTimeout)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// The matched value carries the port when the origin has one.
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
