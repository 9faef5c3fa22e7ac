package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"teleop-gateway/internal/config"
)

// CommandContext holds what every command needs.
type CommandContext struct {
	Logger     *zap.Logger
	Level      zap.AtomicLevel
	Config     *config.Config
	ConfigPath string
}

// NewCommandContext loads the config named by --config and builds a logger
// at --log-level, falling back to the configured level.
func NewCommandContext(c *cli.Context) (*CommandContext, error) {
	path := c.String("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	logger, level, err := createLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return &CommandContext{
		Logger:     logger,
		Level:      level,
		Config:     cfg,
		ConfigPath: path,
	}, nil
}

// createLogger builds a production logger whose level can change at runtime.
func createLogger(cfg config.Logging, outputs ...string) (*zap.Logger, zap.AtomicLevel, error) {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(logLevel)
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(outputs) > 0 {
		zc.OutputPaths = outputs
		zc.ErrorOutputPaths = outputs
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, zc.Level, fmt.Errorf("build logger: %w", err)
	}
	return logger, zc.Level, nil
}
