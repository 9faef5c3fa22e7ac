package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/dispatch"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/relay"
	"teleop-gateway/internal/session"
)

// client is one connected session. The write pump owns every write to conn;
// everything else goes through send, which also carries the relay
// subscription so that it starts after the registered message.
type client struct {
	gw    *Gateway
	sess  *session.Session
	conn  *websocket.Conn
	token string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan any
	done   chan struct{}
	once   sync.Once
	code   int

	mu  sync.Mutex
	sub *relay.Subscription
}

func newClient(gw *Gateway, sess *session.Session, conn *websocket.Conn, token string) *client {
	buf := gw.cfg.SendBuffer
	if buf < 1 {
		buf = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		gw:     gw,
		sess:   sess,
		conn:   conn,
		token:  token,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan any, buf),
		done:   make(chan struct{}),
	}
}

// enqueue hands msg to the write pump. A client that cannot keep up with
// control traffic is disconnected.
func (c *client) enqueue(msg any) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.gw.logger.Warn("Send buffer full, closing client", zap.String("session_id", c.sess.ID()))
		go c.close("send buffer overflow")
	}
}

func (c *client) reply(t protocol.Type, id string, payload any) {
	msg, err := protocol.Encode(t, id, payload)
	if err != nil {
		c.gw.logger.Error("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	c.enqueue(msg)
}

// fail reports err to the peer.
func (c *client) fail(err error, commandID string) {
	c.reply(protocol.TypeError, commandID, protocol.NewError(err, commandID))
}

// violation reports err and counts it against the session. The transport is
// closed once the violation limit is reached.
func (c *client) violation(err error, commandID string) {
	c.fail(err, commandID)
	c.gw.logger.Info("Protocol violation",
		zap.String("session_id", c.sess.ID()),
		zap.String("kind", string(protocol.KindOf(err))),
		zap.Error(err))
	if c.sess.RecordViolation(err) {
		c.close("violation limit reached")
	}
}

func (c *client) stateChanged(t session.Transition) {
	c.gw.logger.Debug("Session transition",
		zap.String("session_id", t.SessionID),
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
		zap.String("reason", t.Reason))
	if t.To.Terminal() {
		return
	}
	c.reply(protocol.TypeState, "", protocol.State{State: t.To.String(), Reason: t.Reason})
}

// close tears the connection down once. Queued messages are flushed first.
func (c *client) close(reason string) {
	c.once.Do(func() {
		c.code = websocket.CloseNormalClosure
		if c.sess.State() == session.StateErrored {
			c.code = websocket.ClosePolicyViolation
		}
		c.sess.Close(reason)
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		c.gw.registry.remove(c.sess.ID())
		c.cancel()
		close(c.done)
	})
}

func (c *client) readPump() {
	defer c.close("transport closed")

	cfg := c.gw.cfg
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	// pongs keep the transport alive but are not session activity
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.violation(protocol.Errorf(protocol.KindProtocolViolation, "message exceeds %d bytes", cfg.MaxMessageSize), "")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.gw.logger.Info("WebSocket read error",
					zap.String("session_id", c.sess.ID()),
					zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.sess.Touch()

		if messageType != websocket.TextMessage {
			c.violation(protocol.Errorf(protocol.KindProtocolViolation, "binary messages are not accepted"), "")
			continue
		}
		c.handleMessage(message)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *client) writePump() {
	cfg := c.gw.cfg
	ping := time.NewTicker(cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	var (
		sub     *relay.Subscription
		frames  <-chan relay.Frame
		notices <-chan relay.Notice
		subDone <-chan struct{}
	)

	write := func(data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
		return c.conn.WriteMessage(websocket.TextMessage, data)
	}
	notify := func(n relay.Notice) bool {
		msg, err := encodeNotice(n)
		if err != nil {
			return true
		}
		if err := write(msg); err != nil {
			c.writeFailed(err)
			return false
		}
		if n.Kind == relay.NoticeEvicted {
			go c.close("evicted: " + n.Reason)
		}
		return true
	}

	for {
		select {
		case item := <-c.send:
			switch v := item.(type) {
			case []byte:
				if err := write(v); err != nil {
					c.writeFailed(err)
					return
				}
			case *relay.Subscription:
				sub = v
				frames, notices, subDone = v.C(), v.Notices(), v.Done()
			}

		case f := <-frames:
			msg, err := encodeFrame(f)
			if err != nil {
				continue
			}
			if err := write(msg); err != nil {
				c.writeFailed(err)
				return
			}
			sub.MarkDelivered(f)

		case n := <-notices:
			if !notify(n) {
				return
			}

		case <-subDone:
			// the relay queues its last notice before closing done
			for pending := true; pending; {
				select {
				case n := <-notices:
					if !notify(n) {
						return
					}
				default:
					pending = false
				}
			}
			frames, notices, subDone = nil, nil, nil

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				c.writeFailed(err)
				return
			}

		case <-c.done:
			c.flush(write)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.code, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// flush writes control messages still queued when the client closes.
func (c *client) flush(write func([]byte) error) {
	for {
		select {
		case item := <-c.send:
			if msg, ok := item.([]byte); ok {
				if err := write(msg); err != nil {
					return
				}
			}
		default:
			return
		}
	}
}

func (c *client) writeFailed(err error) {
	c.gw.logger.Info("WebSocket write error",
		zap.String("session_id", c.sess.ID()),
		zap.Error(err))
	go c.close("write failed")
}

func (c *client) handleMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.violation(err, "")
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		c.handleRegister(env)
	case protocol.TypeCommand:
		c.handleCommand(env)
	case protocol.TypeEmergencyStop:
		c.handleEmergencyStop(env)
	case protocol.TypePing:
		c.reply(protocol.TypePong, env.ID, nil)
	default:
		c.violation(protocol.Errorf(protocol.KindProtocolViolation, "unexpected message type %q", env.Type), env.ID)
	}
}

func (c *client) handleRegister(env protocol.Envelope) {
	var req protocol.Register
	if err := env.Into(&req); err != nil {
		c.violation(err, env.ID)
		return
	}
	role, err := session.ParseRole(req.Role)
	if err != nil {
		c.violation(protocol.Errorf(protocol.KindProtocolViolation, "%v", err), env.ID)
		return
	}
	if st := c.sess.State(); st != session.StateConnected {
		c.violation(protocol.Errorf(protocol.KindProtocolViolation, "register not allowed in state %s", st), env.ID)
		return
	}

	token := req.Token
	if token == "" {
		token = c.token
	}
	id, err := auth.Authorize(c.ctx, c.gw.verifier, token, role)
	if err != nil {
		c.violation(err, env.ID)
		return
	}
	if err := c.sess.Register(role, id.Subject); err != nil {
		c.violation(err, env.ID)
		return
	}

	c.gw.logger.Info("Session registered",
		zap.String("session_id", c.sess.ID()),
		zap.String("role", string(role)),
		zap.String("subject", id.Subject))

	if role != session.RoleViewer {
		c.reply(protocol.TypeRegistered, env.ID, protocol.Registered{
			SessionID: c.sess.ID(),
			Role:      string(role),
			Subject:   id.Subject,
		})
		return
	}

	r, err := c.gw.hub.Get(req.Source)
	if err != nil {
		c.reply(protocol.TypeRegistered, env.ID, protocol.Registered{
			SessionID: c.sess.ID(),
			Role:      string(role),
			Subject:   id.Subject,
		})
		c.fail(err, env.ID)
		return
	}
	c.reply(protocol.TypeRegistered, env.ID, protocol.Registered{
		SessionID: c.sess.ID(),
		Role:      string(role),
		Subject:   id.Subject,
		Source:    r.Source(),
	})
	c.subscribe(r, env.ID)
}

func (c *client) subscribe(r *relay.Relay, id string) {
	sub, err := r.Subscribe(c.ctx, c.sess)
	if err != nil {
		c.fail(err, id)
		return
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	select {
	case c.send <- sub:
	case <-c.done:
		_ = sub.Close()
	}
}

func (c *client) handleCommand(env protocol.Envelope) {
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	var req protocol.Command
	if err := env.Into(&req); err != nil {
		c.violation(err, id)
		return
	}

	t, err := c.gw.dispatcher.Dispatch(c.sess, dispatch.Command{
		ID:         id,
		Action:     dispatch.Action(req.Action),
		Parameters: req.Parameters,
		Path:       "ws",
	})
	c.track(t, err, id)
}

func (c *client) handleEmergencyStop(env protocol.Envelope) {
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	t, err := c.gw.dispatcher.EmergencyStop(c.sess, dispatch.Command{ID: id, Path: "ws"})
	c.track(t, err, id)
}

// track reports a dispatch error or waits for the ticket's ack.
func (c *client) track(t *dispatch.Ticket, err error, id string) {
	if err != nil {
		switch protocol.KindOf(err) {
		case protocol.KindUnauthorized, protocol.KindProtocolViolation:
			c.violation(err, id)
		default:
			c.fail(err, id)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.gw.ackTimeout)
		defer cancel()
		ack, err := t.Wait(ctx)
		if err != nil {
			c.fail(err, id)
			return
		}
		c.reply(protocol.TypeAck, id, protocol.Ack{
			CommandID: ack.CommandID,
			Action:    string(ack.Action),
			Status:    string(ack.Status),
			Message:   ack.Message,
			At:        protocol.Millis(ack.CompletedAt),
		})
	}()
}

func encodeFrame(f relay.Frame) ([]byte, error) {
	return protocol.Encode(protocol.TypeFrame, "", protocol.Frame{
		Source:      f.Source,
		Sequence:    f.Sequence,
		ContentType: f.ContentType,
		ProducedAt:  protocol.Millis(f.ProducedAt),
		Payload:     f.Payload,
	})
}

func encodeNotice(n relay.Notice) ([]byte, error) {
	var t protocol.Type
	switch n.Kind {
	case relay.NoticeSourceUnavailable:
		t = protocol.TypeSourceUnavailable
	case relay.NoticeSourceAvailable:
		t = protocol.TypeSourceAvailable
	default:
		t = protocol.TypeEvicted
	}
	return protocol.Encode(t, "", protocol.SourceStatus{Source: n.Source, Reason: n.Reason})
}
