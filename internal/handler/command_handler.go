package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	helpy "github.com/haqury/helpy"
	"go.uber.org/zap"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/config"
	"teleop-gateway/internal/dispatch"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

// CommandHandler is the REST fallback for motion commands. Each request runs
// on a short lived session that is closed when the request ends.
type CommandHandler struct {
	logger     *zap.Logger
	verifier   auth.Verifier
	dispatcher *dispatch.Dispatcher
	ackTimeout time.Duration
}

// NewCommandHandler serves the REST command fallback on top of dispatcher.
func NewCommandHandler(logger *zap.Logger, verifier auth.Verifier, dispatcher *dispatch.Dispatcher, cfg config.Dispatch) *CommandHandler {
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &CommandHandler{
		logger:     logger,
		verifier:   verifier,
		dispatcher: dispatcher,
		ackTimeout: ackTimeout,
	}
}

// RegisterRoutes mounts the command routes on router.
func (h *CommandHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/move/:action", h.Move)
	router.POST("/emergency_stop", h.EmergencyStop)
	router.GET("/commands", h.Vocabulary)
}

type moveRequest struct {
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters"`
}

// Move dispatches one motion command and waits for its ack.
func (h *CommandHandler) Move(c *gin.Context) {
	var req moveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, protocol.Errorf(protocol.KindProtocolViolation, "invalid request: %v", err), "")
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	sess, err := h.session(c, session.RoleController)
	if err != nil {
		writeError(c, err, req.ID)
		return
	}
	defer sess.Close("request complete")

	t, err := h.dispatcher.Dispatch(sess, dispatch.Command{
		ID:         req.ID,
		Action:     dispatch.Action(c.Param("action")),
		Parameters: req.Parameters,
		Path:       "rest",
	})
	if err != nil {
		writeError(c, err, req.ID)
		return
	}
	h.respond(c, t)
}

// EmergencyStop stops the robot on behalf of any role allowed to.
func (h *CommandHandler) EmergencyStop(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		id = uuid.NewString()
	}

	sess, err := h.session(c, "")
	if err != nil {
		writeError(c, err, id)
		return
	}
	defer sess.Close("request complete")

	t, err := h.dispatcher.EmergencyStop(sess, dispatch.Command{ID: id, Path: "rest"})
	if err != nil {
		writeError(c, err, id)
		return
	}
	h.respond(c, t)
}

// Vocabulary lists the accepted actions and the current parameter bounds.
func (h *CommandHandler) Vocabulary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"actions":   dispatch.Actions(),
		"limits":    h.dispatcher.Limits(),
		"timestamp": time.Now().Unix(),
	})
}

// session authenticates the caller and registers a session with role, or
// with the highest role the token grants when role is empty.
func (h *CommandHandler) session(c *gin.Context, role session.Role) (*session.Session, error) {
	id, err := h.verifier.Verify(c.Request.Context(), auth.BearerToken(c.Request))
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = id.Role
	}
	if !auth.Permits(id, role) {
		return nil, protocol.Errorf(protocol.KindUnauthorized, "%s may not act as %s", id.Subject, role)
	}

	sess := session.New(c.ClientIP(), session.ViolationPolicy{})
	if err := sess.Connected(); err != nil {
		return nil, err
	}
	if err := sess.Register(role, id.Subject); err != nil {
		return nil, err
	}
	return sess, nil
}

func (h *CommandHandler) respond(c *gin.Context, t *dispatch.Ticket) {
	cmd := t.Command()
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.ackTimeout)
	defer cancel()

	ack, err := t.Wait(ctx)
	if err != nil {
		writeError(c, err, cmd.ID)
		return
	}

	status := http.StatusOK
	switch ack.Status {
	case dispatch.AckPreempted, dispatch.AckRejected:
		status = http.StatusConflict
	case dispatch.AckFailed:
		status = http.StatusBadGateway
	}

	h.logger.Info("REST command acknowledged",
		zap.String("command_id", cmd.ID),
		zap.String("action", string(cmd.Action)),
		zap.String("status", string(ack.Status)))

	c.JSON(status, &helpy.ApiResponse{
		Status:    string(ack.Status),
		Message:   ack.Message,
		Timestamp: ack.CompletedAt.Unix(),
		Metadata: map[string]string{
			"command_id": cmd.ID,
			"action":     string(cmd.Action),
			"path":       cmd.Path,
			"origin":     cmd.Origin,
		},
	})
}
