package commands

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"teleop-gateway/internal/config"
)

const redacted = "********"

// GetConfigCommand prints the effective configuration with secrets masked.
func GetConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration as YAML",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.Logging.Level = lvl
			}

			out := *cfg
			if out.Auth.JWT.Secret != "" {
				out.Auth.JWT.Secret = redacted
			}
			out.Auth.Static = make([]config.StaticToken, len(cfg.Auth.Static))
			for i, tok := range cfg.Auth.Static {
				tok.Token = redacted
				out.Auth.Static[i] = tok
			}

			enc := yaml.NewEncoder(c.App.Writer)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&out)
		},
	}
}
