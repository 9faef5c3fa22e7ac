package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

// Monitor exposes live session state. The gateway implements it.
type Monitor interface {
	Sessions() []session.Info
	Stats(ctx context.Context) protocol.Stats
}

type SessionHandler struct {
	monitor Monitor
}

// NewSessionHandler reports on monitor.
func NewSessionHandler(monitor Monitor) *SessionHandler {
	return &SessionHandler{monitor: monitor}
}

// RegisterRoutes mounts /sessions and /stats.
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/sessions", h.List)
	router.GET("/stats", h.Stats)
}

// List returns every live session with its state.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.monitor.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions":  sessions,
		"count":     len(sessions),
		"timestamp": time.Now().Unix(),
	})
}

// Stats returns client counts and relay throughput.
func (h *SessionHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Stats(c.Request.Context()))
}
