package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"teleop-gateway/internal/app"
)

// GetCommands returns every CLI command.
func GetCommands(build app.BuildInfo) []*cli.Command {
	return []*cli.Command{
		GetServerCommand(build),
		GetRobotSimCommand(),
		GetTeleopCommand(),
		GetCaptureCommand(),
		GetConfigCommand(),
		GetVersionCommand(build),
	}
}

// GlobalFlags are accepted before any command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML config file",
			EnvVars: []string{"TELEOP_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
	}
}

func GetVersionCommand(build app.BuildInfo) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "teleop-gateway\n")
			fmt.Fprintf(c.App.Writer, "Version:    %s\n", build.Version)
			fmt.Fprintf(c.App.Writer, "Commit:     %s\n", build.Commit)
			fmt.Fprintf(c.App.Writer, "Build Date: %s\n", build.BuildDate)
			return nil
		},
	}
}
