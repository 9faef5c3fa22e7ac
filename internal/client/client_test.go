package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"teleop-gateway/internal/app"
	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/capture"
	"teleop-gateway/internal/config"
	"teleop-gateway/internal/dispatch"
	"teleop-gateway/internal/gateway"
	"teleop-gateway/internal/handler"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/relay"
	"teleop-gateway/internal/robot"
	"teleop-gateway/internal/session"
)

type stack struct {
	url    string
	robot  *robot.Recorder
	ingest *capture.Ingest
}

// newStack runs a full gateway behind an httptest server.
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	cfg := config.GetDefaultConfig()
	cfg.Relay.Sources = []string{"front"}
	cfg.Session.StatsInterval = time.Hour
	cfg.Auth.Provider = "static"
	cfg.Auth.Static = []config.StaticToken{
		{Token: "ctl", Subject: "operator", Role: "controller"},
		{Token: "view", Subject: "guest", Role: "viewer"},
	}

	verifier, err := auth.New(cfg.Auth, logger)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	hub := relay.NewHub(cfg.Relay.Sources, relay.ConfigFrom(cfg.Relay), logger)
	rec := robot.NewRecorder()
	var gw *gateway.Gateway
	d := dispatch.New(rec, cfg.Dispatch, logger, dispatch.OnEmergencyStop(func(cmd dispatch.Command, ack dispatch.Ack) {
		gw.EmergencyStopActivated(cmd, ack)
	}))
	ingest := capture.NewIngest(hub, cfg.Video, logger)
	gw = gateway.New(cfg, verifier, hub, d, ingest, logger)

	router := app.NewRouter(cfg.CORS, app.BuildInfo{Version: "test"}, app.Handlers{
		Gateway:  gw,
		Commands: handler.NewCommandHandler(logger, verifier, d, cfg.Dispatch),
		Video:    handler.NewVideoStreamHandler(logger, verifier, hub, ingest),
		Sessions: handler.NewSessionHandler(gw),
	}, logger)
	server := httptest.NewServer(router)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{hub.Run, d.Run, gw.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		server.Close()
	})

	return &stack{url: server.URL, robot: rec, ingest: ingest}
}

func startClient(t *testing.T, cfg Config) (*Client, chan error) {
	t.Helper()
	c := New(cfg, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for range c.Events() {
		}
		<-done
	})
	return c, done
}

func waitEvent(t *testing.T, c *Client, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("events closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isType(typ EventType) func(Event) bool {
	return func(ev Event) bool { return ev.Type == typ }
}

func TestClientRegistersAndCommands(t *testing.T) {
	s := newStack(t)
	c, _ := startClient(t, Config{ServerURL: s.url, Token: "ctl", Role: session.RoleController})

	ev := waitEvent(t, c, isType(EventRegistered))
	if ev.Registered.Role != "controller" || ev.Registered.Subject != "operator" {
		t.Fatalf("unexpected registration %+v", ev.Registered)
	}

	ack, err := c.Command(context.Background(), "forward", map[string]any{"speed": 0.4})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if ack.Status != "ok" || ack.Action != "forward" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if _, err := c.Command(context.Background(), "dance", nil); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("expected invalid_command, got %v", err)
	}

	ack, err = c.EmergencyStop(context.Background())
	if err != nil || ack.Status != "ok" {
		t.Fatalf("EmergencyStop: %+v / %v", ack, err)
	}
	waitEvent(t, c, isType(EventEmergencyStop))

	got := s.robot.Actions()
	if len(got) != 2 || got[0] != "forward" || got[1] != "emergency_stop" {
		t.Fatalf("unexpected robot actions %v", got)
	}
}

func TestClientRESTFallback(t *testing.T) {
	s := newStack(t)
	c := New(Config{ServerURL: s.url, Token: "ctl", Role: session.RoleController}, zaptest.NewLogger(t))

	ack, err := c.Command(context.Background(), "left", nil)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if ack.Status != "ok" || ack.Action != "left" || ack.CommandID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	ack, err = c.EmergencyStop(context.Background())
	if err != nil || ack.Status != "ok" {
		t.Fatalf("EmergencyStop: %+v / %v", ack, err)
	}

	viewer := New(Config{ServerURL: s.url, Token: "view"}, zaptest.NewLogger(t))
	if _, err := viewer.Command(context.Background(), "left", nil); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestClientRejectedRegistrationIsTerminal(t *testing.T) {
	s := newStack(t)
	_, done := startClient(t, Config{ServerURL: s.url, Token: "nope", Role: session.RoleController})

	select {
	case err := <-done:
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("client kept retrying a rejected token")
	}
}

func TestFeedFallsBackToSnapshots(t *testing.T) {
	s := newStack(t)
	if _, err := s.ingest.Push("front", []byte("\xff\xd8first"), "image/jpeg"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	c, _ := startClient(t, Config{
		ServerURL:        s.url,
		Token:            "view",
		Source:           "front",
		FrameTimeout:     50 * time.Millisecond,
		SnapshotInterval: 20 * time.Millisecond,
	})
	waitEvent(t, c, isType(EventRegistered))

	waitEvent(t, c, func(ev Event) bool { return ev.Type == EventTier && ev.Tier == TierSnapshot })
	ev := waitEvent(t, c, isType(EventFrame))
	if ev.Tier != TierSnapshot || string(ev.Frame.Payload) != "\xff\xd8first" {
		t.Fatalf("unexpected snapshot frame %+v", ev)
	}

	if _, err := s.ingest.Push("front", []byte("\xff\xd8second"), "image/jpeg"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitEvent(t, c, func(ev Event) bool { return ev.Type == EventTier && ev.Tier == TierWebSocket })
	if c.Tier() != TierWebSocket {
		t.Fatalf("expected websocket tier, got %s", c.Tier())
	}
}

// flakyServer accepts a WebSocket, answers the registration and hangs up.
type flakyServer struct {
	mu       sync.Mutex
	attempts []string
}

func (f *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.attempts = append(f.attempts, r.URL.Query().Get("attempt"))
	f.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	msg, _ := protocol.Encode(protocol.TypeRegistered, "", protocol.Registered{SessionID: "s", Role: "viewer", Subject: "guest"})
	_ = conn.WriteMessage(websocket.TextMessage, msg)
}

func (f *flakyServer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func TestClientReregistersAfterDrop(t *testing.T) {
	srv := &flakyServer{}
	server := httptest.NewServer(srv)
	defer server.Close()

	c, _ := startClient(t, Config{
		ServerURL:    server.URL,
		Token:        "view",
		FrameTimeout: time.Hour,
		Backoff:      Backoff{Strategy: Linear, Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 2},
	})

	for i := 0; i < 3; i++ {
		waitEvent(t, c, isType(EventRegistered))
		ev := waitEvent(t, c, isType(EventReconnecting))
		if ev.Attempt != 1 {
			t.Fatalf("attempt counter not reset after a connected session: %d", ev.Attempt)
		}
	}

	seen := srv.seen()
	if len(seen) < 3 || seen[0] != "0" || seen[1] != "1" {
		t.Fatalf("unexpected attempts %v", seen)
	}
}

func TestClientGivesUpAtCeiling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, done := startClient(t, Config{
		ServerURL:    server.URL,
		FrameTimeout: time.Hour,
		Backoff:      Backoff{Strategy: Exponential, Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
	})

	var reconnects []int
	for ev := range c.Events() {
		if ev.Type == EventReconnecting {
			reconnects = append(reconnects, ev.Attempt)
		}
	}
	err := <-done
	done <- err
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if len(reconnects) != 3 || reconnects[2] != 3 {
		t.Fatalf("unexpected reconnect attempts %v", reconnects)
	}
}
