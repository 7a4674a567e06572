// Package v1 defines the murmur realtime protocol v1 contract.
//
// It is shared between the server and Go clients (the smoke tool) so the
// wire format has one authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "murmur.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts or resumes a session (client -> server). It must be
	// the first envelope on a connection.
	TypeHello = "hello"
	// TypeHelloAck answers hello (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePublish submits a message (client -> server).
	TypePublish = "publish"
	// TypePublishAck confirms a message is durably stored (server -> client).
	TypePublishAck = "publish_ack"

	// TypeMessage delivers a stored message (server -> client).
	TypeMessage = "message"

	// TypeError reports a failed request (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadJSON        = "bad_json"
	CodeBadEnvelope    = "bad_envelope"
	CodeHelloRequired  = "hello_required"
	CodeHelloFailed    = "hello_failed"
	CodePublishFailed  = "publish_failed"
	CodeRateLimited    = "rate_limited"
	CodeUnsupported    = "unsupported"
	CodeReplayFailed   = "replay_failed"
	CodeBadPayload     = "bad_payload"
	CodeAlreadyHelloed = "already_helloed"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePublish,
		TypePublishAck,
		TypeMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the highest message id the client has seen and,
// when reconnecting, the session id it was given before.
type HelloPayload struct {
	ServerOffset int64  `json:"server_offset"`
	SessionID    string `json:"session_id,omitempty"`
}

// HelloAckPayload reports the session id and whether the old session was resumed.
// When Resumed is false the server replays history after the hello's server_offset.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

// PublishPayload submits Content. ClientOffset is the idempotency token;
// empty disables deduplication.
type PublishPayload struct {
	Content      string `json:"content"`
	ClientOffset string `json:"client_offset,omitempty"`
}

// PublishAckPayload acknowledges a publish. A resent publish whose token is
// already stored is acknowledged the same way.
type PublishAckPayload struct {
	ClientOffset string `json:"client_offset,omitempty"`
}

// MessagePayload is one stored message. ID is the client's next server_offset.
type MessagePayload struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientOffset string `json:"client_offset,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}
