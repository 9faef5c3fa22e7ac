package handler

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/capture"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/relay"
	"teleop-gateway/internal/session"
)

// MJPEGBoundary separates parts of the /video/stream response.
const MJPEGBoundary = "frame"

// VideoStreamHandler serves frame ingest, snapshots and an MJPEG stream.
type VideoStreamHandler struct {
	logger   *zap.Logger
	verifier auth.Verifier
	hub      *relay.Hub
	ingest   *capture.Ingest
}

// NewVideoStreamHandler serves frame ingest and video reads for hub.
func NewVideoStreamHandler(logger *zap.Logger, verifier auth.Verifier, hub *relay.Hub, ingest *capture.Ingest) *VideoStreamHandler {
	return &VideoStreamHandler{
		logger:   logger,
		verifier: verifier,
		hub:      hub,
		ingest:   ingest,
	}
}

// RegisterRoutes mounts the /video group on router.
func (h *VideoStreamHandler) RegisterRoutes(router *gin.RouterGroup) {
	video := router.Group("/video")
	{
		video.POST("/frame", h.SendFrame)
		video.GET("/stream", h.Stream)
		video.GET("/snapshot", h.Snapshot)
		video.GET("/status", h.Status)
	}
}

type frameRequest struct {
	Source      string `json:"source"`
	ContentType string `json:"content_type"`
	FrameData   []byte `json:"frame_data"`
}

// SendFrame accepts one frame as a multipart "frame" file or as JSON with
// base64 frame_data.
func (h *VideoStreamHandler) SendFrame(c *gin.Context) {
	if _, err := auth.Authorize(c.Request.Context(), h.verifier, auth.BearerToken(c.Request), session.RoleController); err != nil {
		writeError(c, err, "")
		return
	}

	var req frameRequest
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		file, header, err := c.Request.FormFile("frame")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid frame",
				"message": err.Error(),
			})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Failed to read frame",
				"message": err.Error(),
			})
			return
		}
		req.FrameData = data
		req.Source = c.PostForm("source")
		req.ContentType = c.PostForm("content_type")
		if ct := header.Header.Get("Content-Type"); req.ContentType == "" && ct != "application/octet-stream" {
			req.ContentType = ct
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"message": err.Error(),
		})
		return
	}

	f, err := h.ingest.Push(req.Source, req.FrameData, req.ContentType)
	if err != nil {
		h.logger.Debug("Frame rejected",
			zap.String("source", req.Source),
			zap.Int("size", len(req.FrameData)),
			zap.Error(err))
		writeError(c, err, "")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "accepted",
		"source":    f.Source,
		"sequence":  f.Sequence,
		"size":      len(f.Payload),
		"timestamp": time.Now().Unix(),
	})
}

// Snapshot returns the newest frame of a source as an image.
func (h *VideoStreamHandler) Snapshot(c *gin.Context) {
	r, err := h.viewerRelay(c)
	if err != nil {
		writeError(c, err, "")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	f, err := r.Latest(ctx)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindInternal {
			err = protocol.Errorf(protocol.KindSourceUnavailable, "source %s: %v", r.Source(), err)
		}
		writeError(c, err, "")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Sequence", strconv.FormatUint(f.Sequence, 10))
	c.Header("X-Frame-Source", f.Source)
	c.Data(http.StatusOK, f.ContentType, f.Payload)
}

// Stream writes frames as multipart/x-mixed-replace until the client goes
// away, the source is evicted or the relay stops.
func (h *VideoStreamHandler) Stream(c *gin.Context) {
	id, err := auth.Authorize(c.Request.Context(), h.verifier, auth.BearerToken(c.Request), session.RoleViewer)
	if err != nil {
		writeError(c, err, "")
		return
	}
	r, err := h.hub.Get(c.Query("source"))
	if err != nil {
		writeError(c, err, "")
		return
	}

	sess := session.New(c.ClientIP(), session.ViolationPolicy{})
	defer sess.Close("stream ended")
	if err := sess.Connected(); err != nil {
		writeError(c, err, "")
		return
	}
	if err := sess.Register(session.RoleViewer, id.Subject); err != nil {
		writeError(c, err, "")
		return
	}

	ctx := c.Request.Context()
	sub, err := r.Subscribe(ctx, sess)
	if err != nil {
		writeError(c, protocol.Errorf(protocol.KindSourceUnavailable, "subscribe %s: %v", r.Source(), err), "")
		return
	}
	defer sub.Close()

	h.logger.Info("MJPEG stream started",
		zap.String("session_id", sess.ID()),
		zap.String("source", r.Source()),
		zap.String("subject", id.Subject))

	mw := multipart.NewWriter(c.Writer)
	if err := mw.SetBoundary(MJPEGBoundary); err != nil {
		writeError(c, protocol.Errorf(protocol.KindInternal, "boundary: %v", err), "")
		return
	}
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+MJPEGBoundary)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case n := <-sub.Notices():
			if n.Kind == relay.NoticeEvicted {
				h.logger.Info("MJPEG viewer evicted",
					zap.String("session_id", sess.ID()),
					zap.String("reason", n.Reason))
				return
			}
		case f := <-sub.C():
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {f.ContentType},
				"Content-Length": {strconv.Itoa(len(f.Payload))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(f.Payload); err != nil {
				return
			}
			c.Writer.Flush()
			sub.MarkDelivered(f)
		}
	}
}

// Status reports per source relay counters.
func (h *VideoStreamHandler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	stats, err := h.hub.Stats(ctx)
	if err != nil {
		writeError(c, protocol.Errorf(protocol.KindInternal, "relay stats: %v", err), "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sources":   stats,
		"timestamp": time.Now().Unix(),
	})
}

func (h *VideoStreamHandler) viewerRelay(c *gin.Context) (*relay.Relay, error) {
	if _, err := auth.Authorize(c.Request.Context(), h.verifier, auth.BearerToken(c.Request), session.RoleViewer); err != nil {
		return nil, err
	}
	return h.hub.Get(c.Query("source"))
}
