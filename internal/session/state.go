package session

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateRegistered
	StateStreaming
	StateDisconnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticated reports whether the peer has registered a role.
func (s State) Authenticated() bool {
	return s == StateRegistered || s == StateStreaming
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDisconnected
}

var transitions = map[State][]State{
	StateConnecting: {StateConnected, StateErrored, StateDisconnected},
	StateConnected:  {StateRegistered, StateErrored, StateDisconnected},
	StateRegistered: {StateStreaming, StateErrored, StateDisconnected},
	StateStreaming:  {StateErrored, StateDisconnected},
	StateErrored:    {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is the capability tag a peer registers with.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleController Role = "controller"
)

// ParseRole accepts viewer or controller, case insensitive.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleViewer:
		return RoleViewer, nil
	case RoleController:
		return RoleController, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Operation is a gated action a peer may attempt.
type Operation int

const (
	OpCommand Operation = iota
	OpSubscribe
	OpEmergencyStop
)

func (o Operation) String() string {
	switch o {
	case OpCommand:
		return "command"
	case OpSubscribe:
		return "subscribe"
	case OpEmergencyStop:
		return "emergency_stop"
	default:
		return "unknown"
	}
}
