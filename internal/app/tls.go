package app

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

// serve runs server in the configured TLS mode. In acme mode the HTTP-01
// challenge listener on :80 joins the group.
func (app *Application) serve(ctx context.Context, g *errgroup.Group, server *http.Server) error {
	cfg := app.config.TLS

	var err error
	switch cfg.Mode {
	case "files":
		app.logger.Info("Starting HTTPS server", zap.String("address", server.Addr))
		err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)

	case "acme":
		manager := newACMEManager(cfg.CacheDir, cfg.Domains...)
		server.TLSConfig = manager.TLSConfig()
		server.TLSConfig.MinVersion = tls.VersionTLS12

		challenge := &http.Server{Addr: ":80", Handler: manager.HTTPHandler(nil)}
		g.Go(func() error {
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return challenge.Close()
		})

		app.logger.Info("Starting HTTPS server with ACME certificates",
			zap.String("address", server.Addr),
			zap.Strings("domains", cfg.Domains))
		err = server.ListenAndServeTLS("", "")

	default:
		app.logger.Info("Starting HTTP server", zap.String("address", server.Addr))
		err = server.ListenAndServe()
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newACMEManager(cacheDir string, domains ...string) *autocert.Manager {
	_ = os.MkdirAll(cacheDir, 0o700)
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}
}
