// Package session tracks the lifecycle of one client connection.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"teleop-gateway/internal/protocol"
)

// ViolationPolicy bounds how many protocol violations a session may commit
// within Window before it is moved to Errored.
type ViolationPolicy struct {
	Limit  int
	Window time.Duration
}

// Transition is reported to observers after every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	Reason    string
	At        time.Time
}

// Info is a point in time copy of a session.
type Info struct {
	ID           string    `json:"id"`
	Remote       string    `json:"remote"`
	State        string    `json:"state"`
	Role         Role      `json:"role,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Source       string    `json:"source,omitempty"`
	Attempt      int       `json:"attempt"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Violations   int       `json:"violations"`
}

// Session is one logical client connection. It is never reused once
// Disconnected.
type Session struct {
	id      string
	remote  string
	attempt int
	policy  ViolationPolicy
	now     func() time.Time

	mu           sync.Mutex
	state        State
	role         Role
	subject      string
	source       string
	createdAt    time.Time
	lastActivity time.Time
	violations   []time.Time
	observers    []func(Transition)
}

type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithObserver registers fn to be called after each transition.
func WithObserver(fn func(Transition)) Option {
	return func(s *Session) { s.observers = append(s.observers, fn) }
}

// WithAttempt records the reconnect attempt this session was created under.
func WithAttempt(n int) Option {
	return func(s *Session) { s.attempt = n }
}

// WithID overrides the generated id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New creates a session in Connecting.
func New(remote string, policy ViolationPolicy, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		remote: remote,
		policy: policy,
		now:    time.Now,
		state:  StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now()
	s.lastActivity = s.createdAt
	return s
}

// ID is unique per session, including each reconnect attempt.
func (s *Session) ID() string { return s.id }

// Remote is the peer address.
func (s *Session) Remote() string { return s.remote }

// Attempt is the reconnect attempt that created the session, zero for the first.
func (s *Session) Attempt() int { return s.attempt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role is the role granted at registration, empty before it.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *Session) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// SetSource records the capture source a viewer is bound to.
func (s *Session) SetSource(source string) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Remote:       s.remote,
		State:        s.state.String(),
		Role:         s.role,
		Subject:      s.subject,
		Source:       s.source,
		Attempt:      s.attempt,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Violations:   len(s.violations),
	}
}

// Touch records peer activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// IdleFor returns how long the peer has been silent.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}

// Age returns the time since the session was created.
func (s *Session) Age() time.Duration {
	return s.now().Sub(s.createdAt)
}

// Connected marks a successful transport handshake.
func (s *Session) Connected() error {
	return s.transition(StateConnected, "handshake complete")
}

// HandshakeFailed moves a Connecting session to Errored.
func (s *Session) HandshakeFailed(reason string) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindProtocolViolation, "handshake failure reported in state %s", st)
	}
	s.mu.Unlock()
	return s.transition(StateErrored, reason)
}

// Register accepts the declared role. The session must be Connected.
func (s *Session) Register(role Role, subject string) error {
	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindProtocolViolation, "register not allowed in state %s", st)
	}
	s.role = role
	s.subject = subject
	s.mu.Unlock()
	return s.transition(StateRegistered, "registered as "+string(role))
}

// BeginStreaming marks an established frame subscription.
func (s *Session) BeginStreaming() error {
	return s.transition(StateStreaming, "subscription established")
}

// Close moves the session to Disconnected. Closing twice is a no-op.
func (s *Session) Close(reason string) {
	_ = s.transition(StateDisconnected, reason)
}

// Fail moves the session to Errored unless it is already terminal.
func (s *Session) Fail(reason string) {
	_ = s.transition(StateErrored, reason)
}

// Authorize checks that the current role and state permit op.
func (s *Session) Authorize(op Operation) error {
	s.mu.Lock()
	state, role := s.state, s.role
	s.mu.Unlock()

	if !state.Authenticated() {
		return protocol.Errorf(protocol.KindUnauthorized, "%s requires a registered session (state %s)", op, state)
	}

	switch op {
	case OpCommand:
		if role != RoleController {
			return protocol.Errorf(protocol.KindUnauthorized, "role %s may not issue commands", role)
		}
	case OpSubscribe:
		if role != RoleViewer {
			return protocol.Errorf(protocol.KindUnauthorized, "role %s may not subscribe to frames", role)
		}
	}
	return nil
}

// RecordViolation counts a protocol violation. It returns true when the
// violation limit was reached inside the window and the session moved to
// Errored; the caller then closes the transport.
func (s *Session) RecordViolation(err error) bool {
	s.mu.Lock()
	now := s.now()
	cutoff := now.Add(-s.policy.Window)
	kept := s.violations[:0]
	for _, at := range s.violations {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.violations = append(kept, now)
	tripped := s.policy.Limit > 0 && len(s.violations) >= s.policy.Limit
	s.mu.Unlock()

	if tripped {
		s.Fail("violation limit reached: " + err.Error())
	}
	return tripped
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if from == to && to == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindProtocolViolation, "transition %s -> %s not allowed", from, to)
	}
	s.state = to
	at := s.now()
	observers := s.observers
	s.mu.Unlock()

	t := Transition{SessionID: s.id, From: from, To: to, Reason: reason, At: at}
	for _, fn := range observers {
		fn(t)
	}
	return nil
}
