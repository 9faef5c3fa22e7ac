package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"teleop-gateway/internal/app"
	"teleop-gateway/internal/app/commands"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	build := app.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}

	cliApp := &cli.App{
		Name:     "teleop-gateway",
		Usage:    "Robot teleoperation gateway: live command and video sessions",
		Version:  Version,
		Flags:    commands.GlobalFlags(),
		Commands: commands.GetCommands(build),
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
