package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/boardsync/internal/board"
	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/config"
	"github.com/gosuda/boardsync/internal/events"
	"github.com/gosuda/boardsync/internal/metrics"
	"github.com/gosuda/boardsync/internal/server"
	redisstore "github.com/gosuda/boardsync/internal/store/redis"
	"github.com/gosuda/boardsync/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the board server",
		Long: `Start the HTTP server: the ticket API under /api, the push stream at
/api/stream (SSE) and /api/ws (WebSocket), /healthz and /metrics.

Configuration comes from BOARDSYNC_* environment variables, optionally
layered over the TOML file named by BOARDSYNC_CONFIG_FILE.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides BOARDSYNC_SERVER_ADDR)")

	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backends, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	clk := clock.Real()
	notifier := events.NewNotifier(cfg.Stream.Buffer, m)
	store := board.New(backends.blobs, backends.counter, notifier, board.Options{
		Staleness: cfg.Store.Staleness,
		KeyPrefix: cfg.Store.KeyPrefix,
		Clock:     clk,
		Metrics:   m,
	})
	streams := stream.NewManager(notifier, stream.Config{
		Heartbeat:      cfg.Stream.Heartbeat,
		Lifetime:       cfg.Stream.Lifetime,
		WriteTimeout:   cfg.Stream.WriteTimeout,
		OriginPatterns: cfg.Stream.OriginPatterns,
	}, clk, m)

	if cfg.Events.Relay == config.RelayRedis {
		instanceID := cfg.Events.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		relay := events.NewRelay(notifier, backends.redis, redisstore.EventsChannel(cfg.Redis.Prefix), instanceID, store)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}

	srv := server.New(ctx, cfg, server.Deps{
		Board:    store,
		Streams:  streams,
		Gatherer: registry,
		Health:   backends.health,
	})

	// Start server in background goroutine.
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		errCh <- srv.Start(ctx)
	}()

	// Block until shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}
