// Package protocol defines the JSON envelope exchanged over the client and
// capture WebSockets.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names an envelope.
type Type string

// Client to server.
const (
	TypeRegister      Type = "register"
	TypeCommand       Type = "command"
	TypeEmergencyStop Type = "emergency_stop"
	TypePing          Type = "ping"
)

// Server to client. TypeFrame also flows from a capture source to the server.
const (
	TypeRegistered             Type = "registered"
	TypeState                  Type = "state"
	TypeAck                    Type = "ack"
	TypeError                  Type = "error"
	TypeFrame                  Type = "frame"
	TypeSourceUnavailable      Type = "source_unavailable"
	TypeSourceAvailable        Type = "source_available"
	TypeEvicted                Type = "evicted"
	TypeEmergencyStopActivated Type = "emergency_stop_activated"
	TypeStats                  Type = "stats"
	TypePong                   Type = "pong"
)

// Envelope wraps every message. ID correlates commands with their ack or error.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Register struct {
	Role   string `json:"role"`
	Token  string `json:"token,omitempty"`
	Source string `json:"source,omitempty"`
}

type Command struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Registered struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Subject   string `json:"subject"`
	Source    string `json:"source,omitempty"`
}

type State struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type Ack struct {
	CommandID string `json:"command_id"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	At        int64  `json:"at"`
}

type ErrorPayload struct {
	Kind      Kind   `json:"kind"`
	Reason    string `json:"reason"`
	CommandID string `json:"command_id,omitempty"`
}

type Frame struct {
	Source      string `json:"source"`
	Sequence    uint64 `json:"sequence"`
	ContentType string `json:"content_type"`
	ProducedAt  int64  `json:"produced_at"`
	Payload     []byte `json:"payload"`
}

type SourceStatus struct {
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
}

type EmergencyStopActivated struct {
	CommandID string `json:"command_id"`
	Origin    string `json:"origin"`
	At        int64  `json:"at"`
}

type Stats struct {
	TotalClients   int     `json:"total_clients"`
	Controllers    int     `json:"controllers"`
	Viewers        int     `json:"viewers"`
	Sources        int     `json:"sources"`
	FPS            float64 `json:"fps,omitempty"`
	BytesPerSecond float64 `json:"bytes_per_second,omitempty"`
	Dropped        uint64  `json:"dropped,omitempty"`
}

// Encode marshals payload into an envelope of type t.
func Encode(t Type, id string, payload any) ([]byte, error) {
	env := Envelope{Type: t, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses an envelope. A missing type is a protocol violation.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Errorf(KindProtocolViolation, "malformed envelope: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, Errorf(KindProtocolViolation, "envelope has no type")
	}
	return env, nil
}

// Into decodes the envelope payload into v.
func (e Envelope) Into(v any) error {
	if len(e.Payload) == 0 {
		return Errorf(KindProtocolViolation, "%s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return Errorf(KindProtocolViolation, "malformed %s payload: %v", e.Type, err)
	}
	return nil
}

// NewError builds the payload reported for err.
func NewError(err error, commandID string) ErrorPayload {
	return ErrorPayload{
		Kind:      KindOf(err),
		Reason:    ReasonOf(err),
		CommandID: commandID,
	}
}

// Millis converts t to unix milliseconds, the wire time unit.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
