package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/l0p7/sparqlcache/internal/config"
	"github.com/l0p7/sparqlcache/internal/server"
)

type runnableServer interface {
	Run(context.Context) error
	OnShutdown(func(context.Context) error)
}

var newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(listen, logger, handler)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	loader, cfg, logger, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	closeApp := func(ctx context.Context) error {
		if err := a.Close(ctx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
			return err
		}
		return nil
	}

	if cfg.Server.Endpoints.EndpointsFile != "" || cfg.Server.Endpoints.EndpointsFolder != "" {
		watcher, err := loader.WatchEndpoints(ctx, cfg, func(bundle config.EndpointBundle) {
			a.service.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("endpoints watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("endpoints watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(a.service, server.RouterOptions{
		Logger:            logger,
		Metrics:           a.metrics,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		AllowedOrigins:    cfg.Server.HTTP.CORS.AllowedOrigins,
		RateLimitRequests: cfg.Server.HTTP.RateLimit.Requests,
		RateLimitWindow:   config.Duration(cfg.Server.HTTP.RateLimit.Window),
		MaxQueryBytes:     cfg.Server.HTTP.MaxQueryBytes,
	})

	srv, err := newHTTPServer(cfg.Server.Listen, logger, handler)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = closeApp(shutdownCtx)
		return err
	}
	srv.OnShutdown(closeApp)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
