// Package gateway serves the client and capture WebSockets.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/capture"
	"teleop-gateway/internal/config"
	"teleop-gateway/internal/dispatch"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/relay"
	"teleop-gateway/internal/session"
)

// Gateway owns every client connection.
type Gateway struct {
	cfg        config.Session
	ackTimeout time.Duration
	maxFrame   int64
	logger     *zap.Logger

	verifier   auth.Verifier
	hub        *relay.Hub
	dispatcher *dispatch.Dispatcher
	ingest     *capture.Ingest

	registry *Registry
	upgrader websocket.Upgrader
}

// New builds a gateway that authorizes with verifier and serves frames from hub.
func New(cfg *config.Config, verifier auth.Verifier, hub *relay.Hub, dispatcher *dispatch.Dispatcher, ingest *capture.Ingest, logger *zap.Logger) *Gateway {
	origins := cfg.CORS.AllowedOrigins
	ackTimeout := cfg.Dispatch.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Gateway{
		cfg:        sessionDefaults(cfg.Session),
		ackTimeout: ackTimeout,
		maxFrame:   int64(cfg.Video.MaxFrameSize),
		logger:     logger,
		verifier:   verifier,
		hub:        hub,
		dispatcher: dispatcher,
		ingest:     ingest,
		registry:   NewRegistry(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range origins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

func sessionDefaults(c config.Session) config.Session {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	return c
}

// ServeWS upgrades a client connection and runs it until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	opts := []session.Option{}
	if n, err := strconv.Atoi(r.URL.Query().Get("attempt")); err == nil && n >= 0 {
		opts = append(opts, session.WithAttempt(n))
	}

	var c *client
	opts = append(opts, session.WithObserver(func(t session.Transition) {
		if c != nil {
			c.stateChanged(t)
		}
	}))
	sess := session.New(getIPAddress(r), session.ViolationPolicy{
		Limit:  g.cfg.ViolationLimit,
		Window: g.cfg.ViolationWindow,
	}, opts...)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed",
			zap.String("remote", sess.Remote()),
			zap.Error(err))
		_ = sess.HandshakeFailed(err.Error())
		return
	}

	c = newClient(g, sess, conn, auth.BearerToken(r))
	g.registry.add(c)
	if err := sess.Connected(); err != nil {
		c.close(err.Error())
	}

	go c.writePump()
	c.readPump()
}

// Run sweeps idle and unregistered sessions and pushes stats until ctx is
// done, then closes every client.
func (g *Gateway) Run(ctx context.Context) error {
	sweep := time.NewTicker(g.cfg.SweepInterval)
	defer sweep.Stop()
	stats := time.NewTicker(g.cfg.StatsInterval)
	defer stats.Stop()

	defer g.registry.closeAll("server shutting down")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			g.sweep()
		case <-stats.C:
			g.pushStats(ctx)
		}
	}
}

func (g *Gateway) sweep() {
	for _, c := range g.registry.all() {
		sess := c.sess
		switch {
		case sess.State() == session.StateConnected && g.cfg.RegisterTimeout > 0 && sess.Age() > g.cfg.RegisterTimeout:
			c.fail(protocol.Errorf(protocol.KindTimeout, "not registered within %s", g.cfg.RegisterTimeout), "")
			c.close("register timeout")
		case g.cfg.IdleTimeout > 0 && sess.IdleFor() > g.cfg.IdleTimeout:
			c.fail(protocol.Errorf(protocol.KindTimeout, "idle for %s", g.cfg.IdleTimeout), "")
			c.close("idle timeout")
		}
	}
}

func (g *Gateway) pushStats(ctx context.Context) {
	st := g.Stats(ctx)
	msg, err := protocol.Encode(protocol.TypeStats, "", st)
	if err != nil {
		return
	}
	for _, c := range g.registry.all() {
		if c.sess.State().Authenticated() {
			c.enqueue(msg)
		}
	}
}

// Stats summarises connected clients and relay throughput.
func (g *Gateway) Stats(ctx context.Context) protocol.Stats {
	total, controllers, viewers := g.registry.Counts()
	st := protocol.Stats{
		TotalClients: total,
		Controllers:  controllers,
		Viewers:      viewers,
		Sources:      len(g.hub.Names()),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	relays, err := g.hub.Stats(ctx)
	if err != nil {
		g.logger.Debug("Relay stats unavailable", zap.Error(err))
		return st
	}
	for _, rs := range relays {
		st.FPS += rs.FPS
		st.BytesPerSecond += rs.BytesPerSecond
		st.Dropped += rs.IngressDropped + rs.OutOfOrder
		for _, sub := range rs.Subscribers {
			st.Dropped += sub.Dropped
		}
	}
	return st
}

// Sessions lists live sessions.
func (g *Gateway) Sessions() []session.Info {
	return g.registry.Sessions()
}

// EmergencyStopActivated tells every registered session that an emergency
// stop reached the robot, whichever path it came from.
func (g *Gateway) EmergencyStopActivated(cmd dispatch.Command, ack dispatch.Ack) {
	if ack.Status != dispatch.AckOK {
		return
	}
	msg, err := protocol.Encode(protocol.TypeEmergencyStopActivated, cmd.ID, protocol.EmergencyStopActivated{
		CommandID: cmd.ID,
		Origin:    cmd.Origin,
		At:        protocol.Millis(ack.CompletedAt),
	})
	if err != nil {
		return
	}

	n := 0
	for _, c := range g.registry.all() {
		if c.sess.State().Authenticated() {
			c.enqueue(msg)
			n++
		}
	}
	g.logger.Warn("Emergency stop broadcast",
		zap.String("command_id", cmd.ID),
		zap.String("origin", cmd.Origin),
		zap.String("path", cmd.Path),
		zap.Int("sessions", n))
}

func getIPAddress(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		ip = host
	}
	return ip
}
