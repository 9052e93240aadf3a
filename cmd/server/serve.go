package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/presence-stream/internal/cache"
	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/notify"
	"github.com/dgnsrekt/presence-stream/internal/provider"
	"github.com/dgnsrekt/presence-stream/internal/server"
)

func serveCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the HTTP server with the SSE, WebSocket and JSON routes of every
enabled provider.

Examples:
  # Serve with configs/default.yaml and environment overrides
  presence-stream serve

  # Override the listen port
  presence-stream serve --port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides server.port)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("cacheMode", cfg.Cache.Mode),
		zap.Bool("spotifyEnabled", cfg.Spotify.Enabled),
		zap.Bool("steamEnabled", cfg.Steam.Enabled),
		zap.Bool("notifyEnabled", cfg.Notify.Enabled),
		zap.Bool("adminEnabled", cfg.Server.AdminToken != ""),
	)

	store, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := notify.New(cfg.Notify, logger)
	providers := provider.FromConfig(cfg, store, notify.ThrottleHook(notifier, logger), logger)
	if len(providers) == 0 {
		return errors.New("no providers enabled")
	}
	for _, p := range providers {
		logger.Info("provider ready",
			zap.String("provider", p.Name),
			zap.Bool("configured", p.Client.Configured()),
			zap.Duration("pollInterval", p.Settings.PollInterval),
			zap.Int("quota", p.Settings.Quota),
			zap.Duration("window", p.Settings.Window),
		)
	}

	router, err := server.NewRouter(server.NewServer(providers, cfg.Server, logger), logger)
	if err != nil {
		return err
	}

	// Cancelling baseCtx ends every open event stream.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	// No WriteTimeout: event streams stay open and set per-write deadlines.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		cancelStreams()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		for _, p := range providers {
			if perr := p.Shutdown(shutdownCtx); perr != nil {
				logger.Warn("provider shutdown", zap.String("provider", p.Name), zap.Error(perr))
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
