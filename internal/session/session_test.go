package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"teleop-gateway/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testPolicy = ViolationPolicy{Limit: 3, Window: 10 * time.Second}

func registered(t *testing.T, role Role, opts ...Option) *Session {
	t.Helper()
	s := New("127.0.0.1", testPolicy, opts...)
	if err := s.Connected(); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if err := s.Register(role, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s
}

func TestLifecycle(t *testing.T) {
	var seen []Transition
	s := New("127.0.0.1", testPolicy, WithObserver(func(tr Transition) {
		seen = append(seen, tr)
	}))

	if s.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", s.State())
	}
	if err := s.Connected(); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if err := s.Register(RoleViewer, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.BeginStreaming(); err != nil {
		t.Fatalf("BeginStreaming: %v", err)
	}
	s.Close("transport closed")
	s.Close("again")

	want := []State{StateConnected, StateRegistered, StateStreaming, StateDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(seen))
	}
	for i, st := range want {
		if seen[i].To != st {
			t.Fatalf("transition %d: expected %s, got %s", i, st, seen[i].To)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	t.Run("register before connected", func(t *testing.T) {
		s := New("x", testPolicy)
		if err := s.Register(RoleController, "bob"); !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Fatalf("expected protocol violation, got %v", err)
		}
	})

	t.Run("register twice", func(t *testing.T) {
		s := registered(t, RoleController)
		if err := s.Register(RoleViewer, "bob"); !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Fatalf("expected protocol violation, got %v", err)
		}
		if s.Role() != RoleController {
			t.Fatalf("role must not change, got %s", s.Role())
		}
	})

	t.Run("disconnected is terminal", func(t *testing.T) {
		s := registered(t, RoleViewer)
		s.Close("bye")
		if err := s.BeginStreaming(); err == nil {
			t.Fatal("expected error after disconnect")
		}
		s.Fail("late failure")
		if s.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", s.State())
		}
	})

	t.Run("handshake failure", func(t *testing.T) {
		s := New("x", testPolicy)
		if err := s.HandshakeFailed("tls"); err != nil {
			t.Fatalf("HandshakeFailed: %v", err)
		}
		if s.State() != StateErrored {
			t.Fatalf("expected errored, got %s", s.State())
		}
		s.Close("transport closed")
		if s.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", s.State())
		}
	})
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		session func(t *testing.T) *Session
		op      Operation
		allowed bool
	}{
		{"controller command", func(t *testing.T) *Session { return registered(t, RoleController) }, OpCommand, true},
		{"viewer command", func(t *testing.T) *Session { return registered(t, RoleViewer) }, OpCommand, false},
		{"viewer subscribe", func(t *testing.T) *Session { return registered(t, RoleViewer) }, OpSubscribe, true},
		{"controller subscribe", func(t *testing.T) *Session { return registered(t, RoleController) }, OpSubscribe, false},
		{"viewer stop", func(t *testing.T) *Session { return registered(t, RoleViewer) }, OpEmergencyStop, true},
		{"connected stop", func(t *testing.T) *Session {
			s := New("x", testPolicy)
			_ = s.Connected()
			return s
		}, OpEmergencyStop, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session(t).Authorize(tt.op)
			if tt.allowed && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tt.allowed && !errors.Is(err, protocol.ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestConnectedCommandStaysConnected(t *testing.T) {
	s := New("x", testPolicy)
	if err := s.Connected(); err != nil {
		t.Fatalf("Connected: %v", err)
	}

	err := s.Authorize(OpCommand)
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if tripped := s.RecordViolation(err); tripped {
		t.Fatal("a single violation must not trip the limit")
	}
	if s.State() != StateConnected {
		t.Fatalf("expected session to remain connected, got %s", s.State())
	}
}

func TestViolationWindow(t *testing.T) {
	clock := newFakeClock()
	s := New("x", testPolicy, WithClock(clock.Now))
	_ = s.Connected()
	violation := protocol.Errorf(protocol.KindProtocolViolation, "bad")

	// spread out: old violations leave the window
	for i := 0; i < 5; i++ {
		if s.RecordViolation(violation) {
			t.Fatalf("violation %d tripped despite spacing", i)
		}
		clock.Advance(6 * time.Second)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}

	// burst: three inside a fresh window
	clock.Advance(20 * time.Second)
	s.RecordViolation(violation)
	s.RecordViolation(violation)
	if !s.RecordViolation(violation) {
		t.Fatal("expected third violation in window to trip")
	}
	if s.State() != StateErrored {
		t.Fatalf("expected errored, got %s", s.State())
	}
}

func TestIdleFor(t *testing.T) {
	clock := newFakeClock()
	s := New("x", testPolicy, WithClock(clock.Now))

	clock.Advance(30 * time.Second)
	if got := s.IdleFor(); got != 30*time.Second {
		t.Fatalf("expected 30s idle, got %v", got)
	}
	s.Touch()
	if got := s.IdleFor(); got != 0 {
		t.Fatalf("expected 0 idle after touch, got %v", got)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" Controller "); err != nil || r != RoleController {
		t.Fatalf("expected controller, got %q %v", r, err)
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
