package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/access"
	"github.com/noteloop/relay/internal/auth"
	"github.com/noteloop/relay/internal/config"
	"github.com/noteloop/relay/internal/logging"
	"github.com/noteloop/relay/internal/relay"
	"github.com/noteloop/relay/internal/server"
	"github.com/noteloop/relay/internal/snapshot"
	"github.com/noteloop/relay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger needs config; stderr is all we have here.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatal("invalid JWT secret", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pg := store.NewPostgresStore(&store.PostgresConfig{
		ConnectionString:  cfg.DatabaseURL,
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	})
	if err := pg.Connect(ctx); err != nil {
		cancel()
		log.Fatal("failed to connect to durable store", zap.Error(err))
	}
	cancel()

	var cache *store.SnapshotCache
	if cfg.RedisURL != "" {
		cache, err = store.NewSnapshotCache(cfg.RedisURL, log)
		if err != nil {
			log.Fatal("invalid Redis URL", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := cache.Connect(ctx); err != nil {
			// The cache is optional; the sweeper probes it back to ready.
			log.Warn("snapshot cache unavailable, durable tier only", zap.Error(err))
		}
		cancel()
	}

	clk := clock.New()
	resolver := access.NewResolver(pg, clk, log)
	snapshots := snapshot.NewStore(cache, pg, pg, clk, log, snapshot.Options{
		DebounceCache:   cfg.PersistDebounce,
		DebounceDurable: cfg.PersistDebounceDurable,
		WriteFloor:      cfg.DurableWriteFloor,
	})

	hub := relay.NewHub(verifier, resolver, snapshots, clk, log)
	sweeper := relay.NewSweeper(hub, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, clk, log)
	go sweeper.Run()

	srv := server.New(hub, log)
	go func() {
		log.Info("relay listening", zap.Int("port", cfg.Port))
		if err := srv.Start(cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("listener failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced listener shutdown", zap.Error(err))
	}
	sweeper.Stop()
	hub.Shutdown(shutdownCtx)

	if cache != nil {
		cache.Close()
	}
	pg.Disconnect(shutdownCtx)

	log.Info("relay stopped")
}
