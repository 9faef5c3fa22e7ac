// Package client is a reconnecting teleoperation client. It keeps one
// WebSocket session to the gateway, falls back to REST for commands while the
// socket is down and to snapshot polling while frames stop arriving.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

var (
	ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")
	ErrRejected         = errors.New("client: registration rejected")
)

// Config configures a Client.
type Config struct {
	// ServerURL is the gateway base URL, http(s)://host:port.
	ServerURL        string
	Token            string
	Role             session.Role
	Source           string
	Backoff          Backoff
	FrameTimeout     time.Duration
	SnapshotInterval time.Duration
	RequestTimeout   time.Duration
	WriteWait        time.Duration
	EventBuffer      int
}

func (c Config) withDefaults() Config {
	if c.Role == "" {
		c.Role = session.RoleViewer
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 3 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

type result struct {
	ack protocol.Ack
	err error
}

// Client owns the connection lifecycle. Run drives it; Command and
// EmergencyStop may be called from any goroutine.
type Client struct {
	cfg    Config
	logger *zap.Logger
	rest   *rest
	dialer *websocket.Dialer
	events chan Event
	feed   *feed

	mu      sync.Mutex
	conn    *websocket.Conn
	sess    *session.Session
	pending map[string]chan result

	writeMu sync.Mutex
}

func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger,
		rest: &rest{
			base:   strings.TrimRight(cfg.ServerURL, "/"),
			token:  cfg.Token,
			client: &http.Client{Timeout: cfg.RequestTimeout},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.RequestTimeout,
		},
		events:  make(chan Event, cfg.EventBuffer),
		feed:    newFeed(time.Now()),
		pending: make(map[string]chan result),
	}
}

// Events delivers everything the client observes. It is closed when Run
// returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State reports the state of the current session.
func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.StateDisconnected
	}
	return c.sess.State()
}

// Tier reports which video transport is feeding frames.
func (c *Client) Tier() Tier {
	return c.feed.current()
}

// Run connects and keeps reconnecting until ctx is done, registration is
// rejected, or Backoff.MaxAttempts consecutive attempts fail. A session that
// reached Connected resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.Role == session.RoleViewer {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runFeed(ctx)
		}()
	}

	attempt := 0
	for {
		connected, err := c.connect(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if connected {
			attempt = 0
		}

		attempt++
		if attempt > c.cfg.Backoff.MaxAttempts {
			c.logger.Error("Giving up on gateway",
				zap.Int("attempts", c.cfg.Backoff.MaxAttempts),
				zap.Error(err))
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.cfg.Backoff.MaxAttempts, err)
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Warn("Connection lost, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.Backoff.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		c.emit(ctx, Event{Type: EventReconnecting, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connect runs one session. It reports whether the session reached Connected.
func (c *Client) connect(ctx context.Context, attempt int) (bool, error) {
	sess := session.New(c.cfg.ServerURL, session.ViolationPolicy{},
		session.WithAttempt(attempt),
		session.WithObserver(func(t session.Transition) {
			c.emit(ctx, Event{Type: EventState, State: t.To, Attempt: attempt, Reason: t.Reason})
		}))

	u, err := c.wsURL(attempt)
	if err != nil {
		_ = sess.HandshakeFailed(err.Error())
		return false, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		_ = sess.HandshakeFailed(err.Error())
		return false, fmt.Errorf("dial %s: %w", u, err)
	}
	if err := sess.Connected(); err != nil {
		conn.Close()
		return false, err
	}

	c.mu.Lock()
	c.conn, c.sess = conn, sess
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reason := "connection closed"
	defer func() {
		c.mu.Lock()
		c.conn = nil
		pending := c.pending
		c.pending = make(map[string]chan result)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- result{err: protocol.Errorf(protocol.KindTimeout, "connection lost before ack")}
		}
		conn.Close()
		sess.Close(reason)
	}()

	c.logger.Info("Connected to gateway",
		zap.String("session_id", sess.ID()),
		zap.Int("attempt", attempt))

	if err := c.write(conn, protocol.TypeRegister, "", protocol.Register{
		Role:   string(c.cfg.Role),
		Token:  c.cfg.Token,
		Source: c.cfg.Source,
	}); err != nil {
		reason = err.Error()
		return true, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			return true, err
		}
		if err := c.handle(ctx, sess, data); err != nil {
			reason = err.Error()
			return true, err
		}
	}
}

func (c *Client) handle(ctx context.Context, sess *session.Session, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("Dropping malformed message", zap.Error(err))
		return nil
	}

	switch env.Type {
	case protocol.TypeRegistered:
		var reg protocol.Registered
		if err := env.Into(&reg); err != nil {
			return err
		}
		if err := sess.Register(session.Role(reg.Role), reg.Subject); err != nil {
			return err
		}
		c.emit(ctx, Event{Type: EventRegistered, Registered: &reg})

	case protocol.TypeState:
		var st protocol.State
		if err := env.Into(&st); err != nil {
			return err
		}
		if st.State == session.StateStreaming.String() && sess.State() == session.StateRegistered {
			_ = sess.BeginStreaming()
		}

	case protocol.TypeFrame:
		var f protocol.Frame
		if err := env.Into(&f); err != nil {
			return err
		}
		sess.Touch()
		if c.feed.framed(time.Now()) {
			c.emit(ctx, Event{Type: EventTier, Tier: TierWebSocket})
		}
		c.emitFrame(Event{Type: EventFrame, Frame: &f, Tier: TierWebSocket})

	case protocol.TypeAck:
		var ack protocol.Ack
		if err := env.Into(&ack); err != nil {
			return err
		}
		c.resolve(ack.CommandID, result{ack: ack})
		c.emit(ctx, Event{Type: EventAck, Ack: &ack})

	case protocol.TypeError:
		var e protocol.ErrorPayload
		if err := env.Into(&e); err != nil {
			return err
		}
		perr := protocol.Errorf(e.Kind, "%s", e.Reason)
		if e.CommandID != "" && c.resolve(e.CommandID, result{err: perr}) {
			return nil
		}
		c.emit(ctx, Event{Type: EventError, Err: perr})
		if e.Kind == protocol.KindUnauthorized && sess.State() == session.StateConnected {
			return fmt.Errorf("%w: %s", ErrRejected, e.Reason)
		}

	case protocol.TypeSourceUnavailable, protocol.TypeSourceAvailable, protocol.TypeEvicted:
		var st protocol.SourceStatus
		if err := env.Into(&st); err != nil {
			return err
		}
		c.emit(ctx, Event{Type: EventSource, Notice: env.Type, Source: &st})

	case protocol.TypeEmergencyStopActivated:
		var stop protocol.EmergencyStopActivated
		if err := env.Into(&stop); err != nil {
			return err
		}
		c.emit(ctx, Event{Type: EventEmergencyStop, EmergencyStop: &stop})

	case protocol.TypeStats:
		var st protocol.Stats
		if err := env.Into(&st); err != nil {
			return err
		}
		c.emit(ctx, Event{Type: EventStats, Stats: &st})

	case protocol.TypePong:
	default:
		c.logger.Debug("Ignoring message", zap.String("type", string(env.Type)))
	}
	return nil
}

// Command sends a motion command and waits for its ack. While no registered
// session is up the command goes over REST.
func (c *Client) Command(ctx context.Context, action string, params map[string]any) (protocol.Ack, error) {
	id := uuid.NewString()
	if ch, ok := c.send(protocol.TypeCommand, id, protocol.Command{Action: action, Parameters: params}); ok {
		return c.await(ctx, id, ch)
	}
	c.logger.Info("Sending command over REST", zap.String("action", action))
	return c.rest.move(ctx, id, action, params)
}

// EmergencyStop stops the robot over whichever path is available.
func (c *Client) EmergencyStop(ctx context.Context) (protocol.Ack, error) {
	id := uuid.NewString()
	if ch, ok := c.send(protocol.TypeEmergencyStop, id, nil); ok {
		return c.await(ctx, id, ch)
	}
	c.logger.Warn("Sending emergency stop over REST")
	return c.rest.emergencyStop(ctx, id)
}

func (c *Client) send(t protocol.Type, id string, payload any) (chan result, bool) {
	c.mu.Lock()
	conn, sess := c.conn, c.sess
	if conn == nil || sess == nil || !sess.State().Authenticated() {
		c.mu.Unlock()
		return nil, false
	}
	ch := make(chan result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, t, id, payload); err != nil {
		c.logger.Warn("WebSocket write failed", zap.Error(err))
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, false
	}
	return ch, true
}

func (c *Client) await(ctx context.Context, id string, ch chan result) (protocol.Ack, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-timer.C:
	case <-ctx.Done():
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	return protocol.Ack{}, protocol.Errorf(protocol.KindTimeout, "no ack for %s", id)
}

func (c *Client) resolve(id string, r result) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Client) write(conn *websocket.Conn, t protocol.Type, id string, payload any) error {
	msg, err := protocol.Encode(t, id, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) wsURL(attempt int) (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("attempt", strconv.Itoa(attempt))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
