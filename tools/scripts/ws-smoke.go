// Package main provides a CI-friendly WebSocket smoke test for murmur.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - publish -> publish_ack
//   - fanout of the stored message to another client
//   - idempotent dedupe by client_offset
//   - replay from a server_offset on a fresh connection
//   - session resume (reported, enforced with -require-resume)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "murmur/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	resumed   bool
	lastSeen  int64

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL         = flag.String("url", "ws://127.0.0.1:3000/ws", "WebSocket URL")
		peerURL       = flag.String("peer-url", "", "Optional second worker URL; B connects here to check cross-worker fanout")
		origin        = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text          = flag.String("text", "hello murmur 👋", "Message content to publish")
		timeout       = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		settle        = flag.Duration("settle", 750*time.Millisecond, "How long to drain history after connecting")
		requireResume = flag.Bool("require-resume", false, "Fail if the reconnect does not resume the session")
		verbose       = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	bURL := *wsURL
	if *peerURL != "" {
		if err := validateWSURL(*peerURL); err != nil {
			fatalf("invalid -peer-url: %v", err)
		}
		bURL = *peerURL
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, v1.HelloPayload{}, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", bURL, *origin, v1.HelloPayload{}, *timeout)

	a.drainHistory(root, *settle)
	b.drainHistory(root, *settle)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s last_seen=%d origin=%q\n", a.sessionID, b.sessionID, b.lastSeen, *origin)
	}

	clientOffset := uuid.NewString()
	mustPublishAndAssertAck(root, a, clientOffset, *text, *timeout)
	id := mustAssertMessage(root, b, *text, *timeout)

	// Same client_offset again: acked, never stored or broadcast twice.
	mustPublishAndAssertAck(root, a, clientOffset, *text, *timeout)
	mustAssertNoType(root, b, v1.TypeMessage, 1200*time.Millisecond)

	c := mustConnect(root, "C", *wsURL, *origin, v1.HelloPayload{ServerOffset: id - 1}, *timeout)
	if got := mustAssertMessage(root, c, *text, *timeout); got != id {
		fatalf("replay id mismatch (C): got=%d want=%d", got, id)
	}
	closeWS(c.conn)

	sessionID := b.sessionID
	closeWS(b.conn)
	b = mustConnect(root, "B", bURL, *origin, v1.HelloPayload{ServerOffset: id, SessionID: sessionID}, *timeout)
	defer closeWS(b.conn)
	if *requireResume && !b.resumed {
		fatalf("session %s was not resumed", sessionID)
	}

	fmt.Printf("OK: A=%s B=%s id=%d client_offset=%s resumed=%t\n", a.sessionID, b.sessionID, id, clientOffset, b.resumed)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, hello v1.HelloPayload, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		conn:     conn,
		lastSeen: hello.ServerOffset,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(hello),
	}
	mustWriteWithTimeout(parent, conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.resumed = p.Resumed

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// drainHistory consumes replayed messages until the connection is quiet.
func (c *smokeClient) drainHistory(parent context.Context, quiet time.Duration) {
	for {
		ctx, cancel := context.WithTimeout(parent, quiet)
		select {
		case <-ctx.Done():
			cancel()
			return
		case err := <-c.errCh:
			cancel()
			fatalf("connection error while draining history (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			cancel()
			if !ok {
				fatalf("connection closed while draining history (%s)", c.name)
			}
			if env.Type != v1.TypeMessage {
				fatalf("unexpected envelope during history (%s): %q", c.name, env.Type)
			}
			var p v1.MessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("unmarshal message payload (%s): %v", c.name, err)
			}
			if p.ID <= c.lastSeen {
				fatalf("history out of order (%s): id=%d after %d", c.name, p.ID, c.lastSeen)
			}
			c.lastSeen = p.ID
		}
	}
}

func mustPublishAndAssertAck(parent context.Context, c *smokeClient, clientOffset, content string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypePublish,
		ID:   fmt.Sprintf("%s-publish-%s", c.name, clientOffset),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.PublishPayload{
			Content:      content,
			ClientOffset: clientOffset,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessage: {}}
	ack := c.mustReadUntilType(parent, v1.TypePublishAck, stepTimeout, skip)

	var p v1.PublishAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal publish_ack payload (%s): %v", c.name, err)
	}
	if p.ClientOffset != clientOffset {
		fatalf("ack client_offset mismatch (%s): got=%q want=%q", c.name, p.ClientOffset, clientOffset)
	}
}

// mustAssertMessage waits for a message with content and returns its id.
func mustAssertMessage(parent context.Context, c *smokeClient, content string, stepTimeout time.Duration) int64 {
	for {
		env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, nil)

		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal message payload (%s): %v", c.name, err)
		}
		if p.ID <= c.lastSeen {
			fatalf("message id went backwards (%s): id=%d after %d", c.name, p.ID, c.lastSeen)
		}
		c.lastSeen = p.ID
		if p.Content == content {
			return p.ID
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
