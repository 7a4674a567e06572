package peerbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Relay wire frames (JSON text messages on the /peer WebSocket).
const (
	frameSubscribe = "subscribe" // worker -> relay, first frame
	frameWelcome   = "welcome"   // relay -> worker, reply to subscribe
	framePublish   = "publish"   // worker -> relay
	frameAck       = "ack"       // relay -> worker, per publish
	frameEvent     = "event"     // relay -> worker
)

// RelaySubprotocol is negotiated on the peer WebSocket.
const RelaySubprotocol = "murmur.peer.v1"

type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Epoch   string `json:"epoch,omitempty"`
	Origin  string `json:"origin,omitempty"`
	PubSeq  uint64 `json:"pub_seq,omitempty"`
	Offset  uint64 `json:"offset,omitempty"`
	After   uint64 `json:"after,omitempty"`
	ID      int64  `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

func (f frame) event() Event {
	return Event{Origin: f.Origin, ID: f.ID, Content: f.Content}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return frame{}, err
	}
	if mt != websocket.MessageText {
		return frame{}, fmt.Errorf("peerbus: unsupported message type: %v", mt)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("peerbus: bad frame: %w", err)
	}
	return f, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
