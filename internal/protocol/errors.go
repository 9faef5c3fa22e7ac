package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an error reported to a peer.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidCommand    Kind = "invalid_command"
	KindSourceUnavailable Kind = "source_unavailable"
	KindProtocolViolation Kind = "protocol_violation"
	KindTimeout           Kind = "timeout"
	KindBusy              Kind = "busy"
	KindInternal          Kind = "internal"
)

// Error is an error with a kind the peer can act on.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

// Is matches any *Error of the same kind when the target carries no reason,
// so errors.Is(err, ErrUnauthorized) works for every unauthorized error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrInvalidCommand    = &Error{Kind: KindInvalidCommand}
	ErrSourceUnavailable = &Error{Kind: KindSourceUnavailable}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrBusy              = &Error{Kind: KindBusy}
)

// Errorf builds a kinded error with a formatted reason.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// ReasonOf extracts a human readable reason from err.
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return err.Error()
}
