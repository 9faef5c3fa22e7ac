package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"teleop-gateway/internal/capture"
	"teleop-gateway/internal/config"
)

// GetCaptureCommand returns a capture source that streams the test pattern
// to a gateway over /ws/capture.
func GetCaptureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Stream a synthetic camera feed to a gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:8080",
				Usage: "Gateway base URL",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Controller bearer token",
				EnvVars: []string{"TELEOP_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Capture source name (defaults to the gateway's first)",
			},
			&cli.IntFlag{
				Name:  "fps",
				Value: 10,
				Usage: "Frames per second",
			},
			&cli.IntFlag{
				Name:  "width",
				Value: 320,
			},
			&cli.IntFlag{
				Name:  "height",
				Value: 240,
			},
		},
		Action: func(c *cli.Context) error {
			logger, _, err := createLogger(config.Logging{Level: c.String("log-level"), Format: "console"})
			if err != nil {
				return err
			}
			defer logger.Sync()

			u, err := captureURL(c.String("server"), c.String("source"))
			if err != nil {
				return err
			}
			header := http.Header{}
			if tok := c.String("token"); tok != "" {
				header.Set("Authorization", "Bearer "+tok)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial %s: %w (HTTP %d)", u, err, resp.StatusCode)
				}
				return fmt.Errorf("dial %s: %w", u, err)
			}
			defer conn.Close()

			logger.Info("Streaming test pattern",
				zap.String("url", u),
				zap.Int("fps", c.Int("fps")))
			return pushPattern(ctx, conn, c.Int("fps"), c.Int("width"), c.Int("height"), logger)
		},
	}
}

// pushPattern writes one binary JPEG message per tick until ctx is done.
func pushPattern(ctx context.Context, conn *websocket.Conn, fps, width, height int, logger *zap.Logger) error {
	if fps <= 0 {
		fps = 10
	}
	go func() {
		// Drain control frames and error envelopes so pings are answered.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			logger.Warn("Gateway reported", zap.ByteString("message", data))
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "capture stopped"),
				time.Now().Add(time.Second))
			return nil
		case <-ticker.C:
		}

		frame, err := capture.Pattern(width, height, n)
		if err != nil {
			return fmt.Errorf("render frame %d: %w", n, err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("write frame %d: %w", n, err)
		}
	}
}

func captureURL(server, source string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/capture"
	if source != "" {
		u.RawQuery = url.Values{"source": {source}}.Encode()
	}
	return u.String(), nil
}
