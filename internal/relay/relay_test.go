package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSession(t *testing.T, role session.Role) *session.Session {
	t.Helper()
	s := session.New("test", session.ViolationPolicy{Limit: 3, Window: time.Second})
	if err := s.Connected(); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if err := s.Register(role, "tester"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s
}

func startRelay(t *testing.T, cfg Config, opts ...Option) *Relay {
	t.Helper()
	r := New("cam", cfg, zaptest.NewLogger(t), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func frame(seq uint64) Frame {
	return Frame{Sequence: seq, ContentType: "image/jpeg", Payload: []byte{byte(seq)}}
}

// settle waits until every event published so far has been handled.
func settle(t *testing.T, r *Relay) Stats {
	t.Helper()
	st, err := r.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func TestLatestWinsScenario(t *testing.T) {
	r := startRelay(t, Config{QueueDepth: 5, StallTimeout: time.Hour})
	sub, err := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for seq := uint64(1); seq <= 10; seq++ {
		if err := r.Publish(frame(seq)); err != nil {
			t.Fatalf("Publish %d: %v", seq, err)
		}
	}
	st := settle(t, r)
	if len(st.Subscribers) != 1 || st.Subscribers[0].Dropped != 5 {
		t.Fatalf("expected 5 dropped frames, got %+v", st.Subscribers)
	}

	for want := uint64(6); want <= 10; want++ {
		select {
		case f := <-sub.C():
			if f.Sequence != want {
				t.Fatalf("expected sequence %d, got %d", want, f.Sequence)
			}
		default:
			t.Fatalf("expected frame %d to be queued", want)
		}
	}
	select {
	case f := <-sub.C():
		t.Fatalf("unexpected extra frame %d", f.Sequence)
	default:
	}
}

func TestDeliveryNeverReorders(t *testing.T) {
	r := startRelay(t, Config{QueueDepth: 3, StallTimeout: time.Hour})
	sub, err := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const total = 2000
	received := make(chan []uint64)
	go func() {
		var got []uint64
		for f := range sub.C() {
			got = append(got, f.Sequence)
			sub.MarkDelivered(f)
			if f.Sequence == total {
				break
			}
		}
		received <- got
	}()

	for seq := uint64(1); seq <= total; seq++ {
		for {
			err := r.Publish(frame(seq))
			if err == nil {
				break
			}
			if !errors.Is(err, ErrInboxFull) {
				t.Fatalf("Publish: %v", err)
			}
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case got := <-received:
		for i := 1; i < len(got); i++ {
			if got[i] <= got[i-1] {
				t.Fatalf("reordered delivery at %d: %d after %d", i, got[i], got[i-1])
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the last frame")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	r := startRelay(t, Config{QueueDepth: 4, InboxSize: 16, StallTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		if _, err := r.Subscribe(context.Background(), newSession(t, session.RoleViewer)); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	start := time.Now()
	for seq := uint64(1); seq <= 5000; seq++ {
		_ = r.Publish(frame(seq))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("publishing took %v with stalled subscribers", elapsed)
	}

	st := settle(t, r)
	for _, s := range st.Subscribers {
		if s.QueueDepth > 4 {
			t.Fatalf("queue depth %d exceeds bound", s.QueueDepth)
		}
	}
	if st.Published+st.IngressDropped+st.OutOfOrder != 5000 {
		t.Fatalf("frames unaccounted for: %+v", st)
	}
}

func TestPublishWithoutLoopReportsInboxFull(t *testing.T) {
	r := New("cam", Config{InboxSize: 2}, zaptest.NewLogger(t))
	_ = r.Publish(frame(1))
	_ = r.Publish(frame(2))
	if err := r.Publish(frame(3)); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("expected ErrInboxFull, got %v", err)
	}
}

func TestSubscribeRequiresViewer(t *testing.T) {
	r := startRelay(t, Config{})

	_, err := r.Subscribe(context.Background(), newSession(t, session.RoleController))
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	connected := session.New("x", session.ViolationPolicy{Limit: 1})
	_ = connected.Connected()
	if _, err := r.Subscribe(context.Background(), connected); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized before register, got %v", err)
	}
}

func TestSubscribeMovesSessionToStreaming(t *testing.T) {
	r := startRelay(t, Config{})
	sess := newSession(t, session.RoleViewer)

	sub, err := r.Subscribe(context.Background(), sess)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sess.State() != session.StateStreaming {
		t.Fatalf("expected streaming, got %s", sess.State())
	}
	if sess.Source() != "cam" {
		t.Fatalf("expected source cam, got %q", sess.Source())
	}

	if _, err := r.Subscribe(context.Background(), sess); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected duplicate subscription to be rejected, got %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscription to be done")
	}
	if st := settle(t, r); len(st.Subscribers) != 0 {
		t.Fatalf("expected no subscribers, got %d", len(st.Subscribers))
	}
}

func waitNotice(t *testing.T, sub *Subscription, kind NoticeKind) Notice {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.Notices():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notice", kind)
		}
	}
}

func TestSourceAvailability(t *testing.T) {
	r := startRelay(t, Config{StallTimeout: time.Hour})
	a, _ := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))
	b, _ := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))

	// nothing published yet
	waitNotice(t, a, NoticeSourceUnavailable)
	waitNotice(t, b, NoticeSourceUnavailable)

	_ = r.Publish(frame(1))
	waitNotice(t, a, NoticeSourceAvailable)
	waitNotice(t, b, NoticeSourceAvailable)

	if _, err := r.Latest(context.Background()); err != nil {
		t.Fatalf("Latest: %v", err)
	}

	if err := r.SourceDown(context.Background(), "capture disconnected"); err != nil {
		t.Fatalf("SourceDown: %v", err)
	}
	for _, sub := range []*Subscription{a, b} {
		n := waitNotice(t, sub, NoticeSourceUnavailable)
		if n.Reason != "capture disconnected" {
			t.Fatalf("unexpected reason %q", n.Reason)
		}
	}

	if _, err := r.Latest(context.Background()); !errors.Is(err, protocol.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
}

func TestEvictsStalledSubscriber(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	r := startRelay(t, Config{QueueDepth: 2, StallTimeout: 5 * time.Second, SweepInterval: time.Hour}, WithClock(clock.Now))
	sub, err := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		_ = r.Publish(frame(seq))
	}
	settle(t, r)
	clock.Advance(6 * time.Second)
	_ = r.Publish(frame(4))
	st := settle(t, r)

	if st.Evicted != 1 || len(st.Subscribers) != 0 {
		t.Fatalf("expected eviction, got %+v", st)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected evicted subscription to be done")
	}
	waitNotice(t, sub, NoticeEvicted)
}

func TestSlowButDrainingSubscriberIsKept(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	r := startRelay(t, Config{QueueDepth: 2, StallTimeout: 5 * time.Second, SweepInterval: time.Hour}, WithClock(clock.Now))
	sub, _ := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))

	for seq := uint64(1); seq <= 20; seq++ {
		_ = r.Publish(frame(seq))
		settle(t, r)
		if seq%3 == 0 {
			<-sub.C()
		}
		clock.Advance(time.Second)
	}

	if st := settle(t, r); st.Evicted != 0 {
		t.Fatalf("draining subscriber must not be evicted: %+v", st)
	}
}

func TestOutOfOrderAndStamping(t *testing.T) {
	r := startRelay(t, Config{})

	_ = r.Publish(Frame{Sequence: 5})
	_ = r.Publish(Frame{Sequence: 3})
	_ = r.Publish(Frame{})
	st := settle(t, r)

	if st.OutOfOrder != 1 {
		t.Fatalf("expected one out of order frame, got %d", st.OutOfOrder)
	}
	if st.LastSequence != 6 {
		t.Fatalf("expected stamped sequence 6, got %d", st.LastSequence)
	}
	if st.Discarded != 2 {
		t.Fatalf("expected frames without subscribers to be discarded, got %d", st.Discarded)
	}
}

func TestClosedRelay(t *testing.T) {
	r := New("cam", Config{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	sub, err := r.Subscribe(context.Background(), newSession(t, session.RoleViewer))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	<-done

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscription to close with the relay")
	}
	if err := r.Publish(frame(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close after shutdown: %v", err)
	}
}

func TestHub(t *testing.T) {
	h := NewHub([]string{"front", "rear", "front"}, Config{}, zaptest.NewLogger(t))
	if got := h.Names(); len(got) != 2 {
		t.Fatalf("expected duplicate source to be ignored, got %v", got)
	}
	r, err := h.Get("")
	if err != nil || r.Source() != "front" {
		t.Fatalf("expected default front relay, got %v %v", r, err)
	}
	if _, err := h.Get("top"); !errors.Is(err, protocol.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	stats, err := h.Stats(context.Background())
	if err != nil || len(stats) != 2 {
		t.Fatalf("expected stats for two sources, got %v %v", stats, err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
