package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"teleop-gateway/internal/client"
	"teleop-gateway/internal/config"
	"teleop-gateway/internal/session"
	"teleop-gateway/internal/tui"
)

// GetTeleopCommand returns the terminal teleoperation client.
func GetTeleopCommand() *cli.Command {
	defaults := client.DefaultBackoff()
	return &cli.Command{
		Name:  "teleop",
		Usage: "Drive the robot from the terminal",
		Description: `Connect to a gateway, register with --role and show the session,
video feed and acknowledgments. Controllers drive with the arrow keys;
anyone may press space for an emergency stop.

Examples:
  teleop-gateway teleop --server http://robot.local:8080 --token $TOKEN --role controller
  teleop-gateway teleop --role viewer --headless`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:8080",
				Usage: "Gateway base URL",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token",
				EnvVars: []string{"TELEOP_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "role",
				Value: string(session.RoleController),
				Usage: "viewer or controller",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Capture source to view (defaults to the gateway's first)",
			},
			&cli.StringFlag{
				Name:  "backoff",
				Value: string(defaults.Strategy),
				Usage: "Reconnect strategy: linear or exponential",
			},
			&cli.DurationFlag{
				Name:  "retry-delay",
				Value: defaults.Base,
				Usage: "Base reconnect delay",
			},
			&cli.DurationFlag{
				Name:  "max-retry-delay",
				Value: defaults.Max,
				Usage: "Reconnect delay cap",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Value: defaults.MaxAttempts,
				Usage: "Reconnect attempts before giving up",
			},
			&cli.DurationFlag{
				Name:  "frame-timeout",
				Usage: "Switch to snapshot polling after this long without a frame",
			},
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "Log events instead of drawing the terminal UI",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Write logs here while the terminal UI is shown",
			},
		},
		Action: runTeleop,
	}
}

func runTeleop(c *cli.Context) error {
	role, err := session.ParseRole(c.String("role"))
	if err != nil {
		return err
	}
	strategy := client.Strategy(c.String("backoff"))
	if strategy != client.Linear && strategy != client.Exponential {
		return fmt.Errorf("unknown backoff strategy %q", strategy)
	}

	logging := config.Logging{Level: c.String("log-level"), Format: "console"}
	var logger *zap.Logger
	switch {
	case c.Bool("headless"):
		logger, _, err = createLogger(logging)
	case c.String("log-file") != "":
		logger, _, err = createLogger(logging, c.String("log-file"))
	default:
		logger = zap.NewNop()
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	cl := client.New(client.Config{
		ServerURL: c.String("server"),
		Token:     c.String("token"),
		Role:      role,
		Source:    c.String("source"),
		Backoff: client.Backoff{
			Strategy:    strategy,
			Base:        c.Duration("retry-delay"),
			Max:         c.Duration("max-retry-delay"),
			MaxAttempts: c.Int("max-attempts"),
		},
		FrameTimeout: c.Duration("frame-timeout"),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	if c.Bool("headless") {
		for ev := range cl.Events() {
			logEvent(logger, ev)
		}
		return <-done
	}

	if _, err := tea.NewProgram(tui.NewModel(cl, role), tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-done
		return err
	}
	cancel()
	return <-done
}

func logEvent(logger *zap.Logger, ev client.Event) {
	switch ev.Type {
	case client.EventState:
		logger.Info("Session state", zap.String("state", ev.State.String()), zap.String("reason", ev.Reason))
	case client.EventRegistered:
		logger.Info("Registered",
			zap.String("session_id", ev.Registered.SessionID),
			zap.String("role", ev.Registered.Role),
			zap.String("source", ev.Registered.Source))
	case client.EventReconnecting:
		logger.Warn("Reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay), zap.Error(ev.Err))
	case client.EventFrame:
		logger.Debug("Frame",
			zap.String("source", ev.Frame.Source),
			zap.Uint64("sequence", ev.Frame.Sequence),
			zap.Int("size", len(ev.Frame.Payload)),
			zap.Stringer("tier", ev.Tier))
	case client.EventTier:
		logger.Info("Video tier changed", zap.Stringer("tier", ev.Tier))
	case client.EventError:
		logger.Warn("Gateway error", zap.Error(ev.Err))
	case client.EventSource:
		logger.Info("Source notice", zap.String("notice", string(ev.Notice)), zap.String("source", ev.Source.Source))
	case client.EventEmergencyStop:
		logger.Warn("Emergency stop activated", zap.String("command_id", ev.EmergencyStop.CommandID))
	}
}
