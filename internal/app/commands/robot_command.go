package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"teleop-gateway/internal/robot"
)

// GetRobotSimCommand returns the command that serves the simulated robot.
func GetRobotSimCommand() *cli.Command {
	return &cli.Command{
		Name:  "robot-sim",
		Usage: "Run a gRPC robot motion simulator",
		Description: `Serve the motion service on --listen so a gateway in grpc robot mode
can be exercised without hardware.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (defaults to robot.address from the config)",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer ctx.Logger.Sync()

			addr := ctx.Config.Robot.Address
			if c.IsSet("listen") {
				addr = c.String("listen")
			}

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return robot.NewSimulator(ctx.Logger).Serve(runCtx, addr)
		},
	}
}
