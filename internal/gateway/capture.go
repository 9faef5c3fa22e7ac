package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

// ServeCapture accepts frames from a capture producer. Binary messages are
// raw frame payloads in the configured content type; text messages are frame
// envelopes. The producer must hold a controller token.
func (g *Gateway) ServeCapture(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	remote := getIPAddress(r)

	if _, err := auth.Authorize(r.Context(), g.verifier, auth.BearerToken(r), session.RoleController); err != nil {
		http.Error(w, protocol.ReasonOf(err), http.StatusForbidden)
		return
	}

	producer, err := g.ingest.Attach(source, remote)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, protocol.ErrBusy) {
			status = http.StatusConflict
		}
		http.Error(w, protocol.ReasonOf(err), status)
		return
	}
	defer producer.Detach("capture disconnected")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Capture upgrade failed", zap.String("remote", remote), zap.Error(err))
		return
	}
	defer conn.Close()

	if g.maxFrame > 0 {
		// room for base64 inside a text envelope
		conn.SetReadLimit(g.maxFrame*4/3 + 4096)
	}

	var dropped uint64
	for {
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Info("Capture read error",
					zap.String("source", producer.Source()),
					zap.Error(err))
			}
			break
		}

		var perr error
		switch messageType {
		case websocket.BinaryMessage:
			perr = producer.Publish(message, "")
		case websocket.TextMessage:
			perr = publishEnvelope(producer.Publish, message)
		}

		switch {
		case perr == nil:
		case errors.Is(perr, protocol.ErrBusy):
			dropped++
		default:
			msg, err := protocol.Encode(protocol.TypeError, "", protocol.NewError(perr, ""))
			if err == nil {
				// a failed write surfaces on the next read
				_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			}
		}
	}

	g.logger.Info("Capture producer finished",
		zap.String("source", producer.Source()),
		zap.Uint64("dropped", dropped))
}

func publishEnvelope(publish func([]byte, string) error, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeFrame {
		return protocol.Errorf(protocol.KindProtocolViolation, "capture accepts frame messages, got %q", env.Type)
	}
	var f protocol.Frame
	if err := env.Into(&f); err != nil {
		return err
	}
	return publish(f.Payload, f.ContentType)
}
