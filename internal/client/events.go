package client

import (
	"context"
	"time"

	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

type EventType int

const (
	EventState EventType = iota
	EventRegistered
	EventReconnecting
	EventFrame
	EventTier
	EventAck
	EventError
	EventSource
	EventEmergencyStop
	EventStats
)

// Event is one observation. Only the fields matching Type are set.
type Event struct {
	Type EventType

	State   session.State
	Reason  string
	Attempt int
	Delay   time.Duration
	Err     error

	Registered    *protocol.Registered
	Frame         *protocol.Frame
	Tier          Tier
	Ack           *protocol.Ack
	Notice        protocol.Type
	Source        *protocol.SourceStatus
	EmergencyStop *protocol.EmergencyStopActivated
	Stats         *protocol.Stats
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// emitFrame never blocks the reader; a consumer that falls behind loses
// frames, not control events.
func (c *Client) emitFrame(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
