// Command server runs the financial-assistant backend: the protocol API, the
// assistant stream and the background workers.
//
// @title           FinAssist Backend API
// @version         1.0
// @description     Multi-tenant chat backend. Requests are typed messages routed by (template, type).
// @BasePath        /api/v1
// @schemes         http https
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-finassist-backend/internal/app"
	"github.com/tbourn/go-finassist-backend/internal/config"
	httpapi "github.com/tbourn/go-finassist-backend/internal/http"
	"github.com/tbourn/go-finassist-backend/internal/http/handlers"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.LoadArgs(args)
	if err != nil {
		return err
	}
	gin.SetMode(cfg.GinMode)

	c := app.New(cfg, version)
	if err := c.Init(ctx); err != nil {
		return err
	}
	deps, err := c.HTTPDeps()
	if err != nil {
		_ = c.Shutdown(context.Background())
		return err
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, handlers.New(deps), cfg)
	srv := newHTTPServer(cfg, r)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.AppEnv).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case serveErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Stop taking requests before the services they depend on go away.
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	return errors.Join(serveErr, c.Shutdown(sctx))
}

func newHTTPServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}
