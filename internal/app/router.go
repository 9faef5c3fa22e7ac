package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/gateway"
	"teleop-gateway/internal/handler"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Gateway  *gateway.Gateway
	Commands *handler.CommandHandler
	Video    *handler.VideoStreamHandler
	Sessions *handler.SessionHandler
}

// NewRouter builds the gin engine and wraps it with CORS. The gin mode is
// left to the caller.
func NewRouter(cfg config.CORS, build BuildInfo, h Handlers, logger *zap.Logger) http.Handler {
	router := gin.New()

	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			logger.Info("HTTP Request",
				zap.String("method", param.Method),
				zap.String("path", param.Path),
				zap.Int("status", param.StatusCode),
				zap.Duration("latency", param.Latency),
				zap.String("client_ip", param.ClientIP),
			)
			return ""
		},
		// Upgraded and streaming connections would log once they end, which
		// can be hours later.
		SkipPaths: []string{"/ws", "/ws/capture", "/api/v1/video/stream"},
	}))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "teleop-gateway",
			"version": build.Version,
			"time":    time.Now().Unix(),
		})
	})

	router.GET("/ws", gin.WrapF(h.Gateway.ServeWS))
	router.GET("/ws/capture", gin.WrapF(h.Gateway.ServeCapture))

	apiV1 := router.Group("/api/v1")
	{
		h.Commands.RegisterRoutes(apiV1)
		h.Video.RegisterRoutes(apiV1)
		h.Sessions.RegisterRoutes(apiV1)

		apiV1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "running",
				"timestamp": time.Now().Unix(),
				"endpoints": []string{
					"/ws - GET - Command and telemetry WebSocket",
					"/ws/capture - GET - Capture ingress WebSocket",
					"/api/v1/move/{action} - POST - Motion command",
					"/api/v1/emergency_stop - POST - Emergency stop",
					"/api/v1/commands - GET - Command vocabulary and limits",
					"/api/v1/video/frame - POST - Send frame",
					"/api/v1/video/stream - GET - MJPEG stream",
					"/api/v1/video/snapshot - GET - Latest frame",
					"/api/v1/video/status - GET - Relay status",
					"/api/v1/sessions - GET - Live sessions",
					"/api/v1/stats - GET - Service stats",
				},
			})
		})
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "The requested resource was not found",
			"path":    c.Request.URL.Path,
			"suggestions": []string{
				"Check /health for service status",
				"Check /api/v1/status for available endpoints",
			},
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		AllowCredentials: true,
		MaxAge:           86400,
	}).Handler(router)
}
