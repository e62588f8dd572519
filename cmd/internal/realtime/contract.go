package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire contract for the session event feed (subprotocol tether.sessions.v1).
const (
	Version = 1

	TypeHello        = "hello"
	TypeHelloAck     = "hello.ack"
	TypeSessionEvent = "session.event"
	TypeError        = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:        {},
	TypeHelloAck:     {},
	TypeSessionEvent: {},
	TypeError:        {},
}

// Envelope frames every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload authenticates the connection with an access token.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms the subscription.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// ErrorPayload reports a protocol or auth failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
