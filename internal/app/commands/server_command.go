package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"teleop-gateway/internal/app"
)

// GetServerCommand returns the command that runs the gateway.
func GetServerCommand(build app.BuildInfo) *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Start the teleoperation gateway",
		Description: `Start the gateway: client WebSocket, capture ingress, REST API and
the command dispatcher.

Examples:
  teleop-gateway --config gateway.yaml server
  teleop-gateway server --port 443 --cert server.crt --key server.key`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Server port (overrides config)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Server host (overrides config)",
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "TLS certificate file",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "TLS key file",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug mode",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer ctx.Logger.Sync()

			cfg := ctx.Config
			if c.IsSet("port") {
				cfg.Port = c.Int("port")
			}
			if c.IsSet("host") {
				cfg.Host = c.String("host")
			}
			if cert, key := c.String("cert"), c.String("key"); cert != "" || key != "" {
				if cert == "" || key == "" {
					return fmt.Errorf("both --cert and --key are required for TLS")
				}
				cfg.TLS.Mode, cfg.TLS.CertFile, cfg.TLS.KeyFile = "files", cert, key
			}
			if c.Bool("debug") {
				gin.SetMode(gin.DebugMode)
				ctx.Level.SetLevel(zap.DebugLevel)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx.Logger.Info("Starting teleop gateway",
				zap.String("address", cfg.Addr()),
				zap.String("version", build.Version),
				zap.String("auth", cfg.Auth.Provider),
				zap.String("robot", cfg.Robot.Mode),
				zap.String("tls", cfg.TLS.Mode),
				zap.Strings("sources", cfg.Relay.Sources))

			application, err := app.NewApplication(cfg, ctx.ConfigPath, build, ctx.Logger, ctx.Level)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(runCtx)
		},
	}
}
