package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/statuswatch/internal/adapters/http/api"
	"github.com/okian/statuswatch/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, dispatcher and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			log := logger.Get()

			// Root context with cancel on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			if a.file != nil {
				go func() {
					if err := a.file.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error(ctx, "subscription watcher stopped", logger.Error(err))
					}
				}()
			}
			go startSystemMetricsUpdater(ctx)

			srv := &http.Server{
				Addr: cfg.Addr,
				Handler: api.NewServer(a.engine,
					api.WithFeed(a.hub),
					api.WithAllowedOrigins(cfg.Origins()),
					api.WithLogger(log.Named("http")),
				).Routes(),
				ReadTimeout:       readTimeout,
				WriteTimeout:      writeTimeout,
				IdleTimeout:       idleTimeout,
				ReadHeaderTimeout: readHeaderTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err = <-errCh:
				log.Error(ctx, "HTTP server failed", logger.Error(err))
			}
			log.Info(ctx, "shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Error(ctx, "server shutdown failed", logger.Error(serr))
			}
			if serr := a.engine.Stop(shutdownCtx); serr != nil {
				log.Error(ctx, "engine shutdown incomplete", logger.Error(serr))
			}
			_ = logger.Sync()
			return err
		},
	}
}
