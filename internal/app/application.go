package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/capture"
	"teleop-gateway/internal/config"
	"teleop-gateway/internal/dispatch"
	"teleop-gateway/internal/gateway"
	"teleop-gateway/internal/handler"
	"teleop-gateway/internal/relay"
	"teleop-gateway/internal/robot"
)

const shutdownTimeout = 10 * time.Second

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Application wires every gateway component together.
type Application struct {
	config     *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	hub        *relay.Hub
	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Gateway
	pattern    *capture.TestPattern

	router  http.Handler
	closers []io.Closer
}

// NewApplication builds the gateway from cfg. configPath, when set, is watched
// for changes while the application runs. level is adjusted on reload.
func NewApplication(cfg *config.Config, configPath string, build BuildInfo, logger *zap.Logger, level zap.AtomicLevel) (*Application, error) {
	app := &Application{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}

	verifier, err := auth.New(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	if c, ok := verifier.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	motion, err := app.newMotion()
	if err != nil {
		app.Close()
		return nil, err
	}

	app.hub = relay.NewHub(cfg.Relay.Sources, relay.ConfigFrom(cfg.Relay), logger)
	ingest := capture.NewIngest(app.hub, cfg.Video, logger)

	var gw *gateway.Gateway
	app.dispatcher = dispatch.New(motion, cfg.Dispatch, logger,
		dispatch.OnEmergencyStop(func(cmd dispatch.Command, ack dispatch.Ack) {
			gw.EmergencyStopActivated(cmd, ack)
		}))
	gw = gateway.New(cfg, verifier, app.hub, app.dispatcher, ingest, logger)
	app.gateway = gw

	if cfg.Relay.TestPattern.Enabled {
		app.pattern = capture.NewTestPattern(ingest, cfg.Relay.TestPattern, logger)
	}

	app.router = NewRouter(cfg.CORS, build, Handlers{
		Gateway:  gw,
		Commands: handler.NewCommandHandler(logger, verifier, app.dispatcher, cfg.Dispatch),
		Video:    handler.NewVideoStreamHandler(logger, verifier, app.hub, ingest),
		Sessions: handler.NewSessionHandler(gw),
	}, logger)

	return app, nil
}

func (app *Application) newMotion() (robot.Motion, error) {
	switch app.config.Robot.Mode {
	case "grpc":
		m, err := robot.DialMotion(app.config.Robot.Address, app.config.Robot.RequestTimeout, app.logger)
		if err != nil {
			return nil, fmt.Errorf("robot motion service: %w", err)
		}
		app.closers = append(app.closers, m)
		return m, nil
	default:
		app.logger.Info("Using in-process robot simulator")
		return robot.NewSimulator(app.logger), nil
	}
}

// Handler returns the HTTP handler serving every route.
func (app *Application) Handler() http.Handler {
	return app.router
}

// Run serves until ctx is done or a component fails, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	defer app.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.hub.Run(ctx) })
	g.Go(func() error { return app.dispatcher.Run(ctx) })
	g.Go(func() error { return app.gateway.Run(ctx) })
	if app.pattern != nil {
		g.Go(func() error { return app.pattern.Run(ctx) })
	}
	if app.configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, app.configPath, app.logger, app.reload)
		})
	}

	server := &http.Server{
		Addr:              app.config.Addr(),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error { return app.serve(ctx, g, server) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.logger.Info("Stopping HTTP server")
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	app.logger.Info("Gateway stopped", zap.Error(err))
	return err
}

// reload applies the settings that can change without a restart.
func (app *Application) reload(cfg *config.Config) {
	app.dispatcher.SetLimits(cfg.Dispatch.Limits)

	if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil && lvl != app.level.Level() {
		app.level.SetLevel(lvl)
		app.logger.Info("Log level changed", zap.String("level", lvl.String()))
	}
}

// Close releases outbound connections.
func (app *Application) Close() {
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			app.logger.Warn("Close failed", zap.Error(err))
		}
	}
	app.closers = nil
}
