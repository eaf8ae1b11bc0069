// turnclock server keeps shared turn/timer state in Redis, pushes updates
// over WebSocket, and writes an audit trail to PostgreSQL.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/turnclock/turnclock/pkg/api"
	"github.com/turnclock/turnclock/pkg/audit"
	"github.com/turnclock/turnclock/pkg/bus"
	"github.com/turnclock/turnclock/pkg/cleanup"
	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/config"
	"github.com/turnclock/turnclock/pkg/database"
	"github.com/turnclock/turnclock/pkg/delivery"
	"github.com/turnclock/turnclock/pkg/engine"
	"github.com/turnclock/turnclock/pkg/store"
	"github.com/turnclock/turnclock/pkg/version"
)

func main() {
	// Load .env if present; container deployments set real env vars instead.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	slog.Info("Starting turnclock",
		"version", version.Full(),
		"port", cfg.Port,
		"replica_id", cfg.ReplicaID)

	ctx := context.Background()
	clk := clock.System{}

	// 2. Redis: one client for both the state store and the fan-out bus
	redisOpts, err := redis.ParseURL(cfg.StateStoreURL)
	if err != nil {
		slog.Error("Failed to parse state store URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis state store")

	// 3. Fan-out bus and state store
	fanout := bus.NewRedisBus(redisClient, cfg.KeyPrefix)
	notifier := bus.NewChangeNotifier(fanout, clk, cfg.ReplicaID)
	sessionStore := store.NewRedisStore(redisClient, store.Options{
		TTL:       cfg.SessionTTL,
		KeyPrefix: cfg.KeyPrefix,
		Notifier:  notifier,
	})

	// 4. Audit pipeline (optional)
	var sink engine.AuditSink
	var pipeline *audit.Pipeline
	var dbClient *database.Client
	if cfg.AuditEnabled {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load audit database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to audit database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		slog.Info("Connected to PostgreSQL audit store")

		pipeline = audit.NewPipeline(audit.NewPGWriter(dbClient.Pool()), audit.PipelineOptions{
			Lanes: cfg.AuditLanes,
			Retry: audit.RetryPolicy{
				InitialInterval: cfg.AuditBackoffInitial,
				MaxInterval:     32 * time.Second,
				MaxAttempts:     cfg.AuditRetryAttempts,
			},
		})
		pipeline.Start(ctx)
		sink = pipeline
	} else {
		slog.Info("Audit pipeline disabled")
	}

	// Audit retention runs only when both audit and a retention window are
	// configured.
	var retention *cleanup.Service
	if dbClient != nil && cfg.AuditRetention > 0 {
		retention = cleanup.NewService(cleanup.NewPGPurger(dbClient.Pool()), clk, cleanup.Options{
			Retention: cfg.AuditRetention,
			Interval:  cfg.CleanupInterval,
		})
		retention.Start(ctx)
	}

	// 5. Engine and delivery plane
	eng := engine.New(sessionStore, sink, clk)
	connManager := delivery.NewManager(sessionStore, clk, delivery.ManagerOptions{
		KeepaliveInterval: cfg.KeepaliveInterval,
		Publisher:         fanout,
	})
	fanout.Subscribe(connManager.HandleStateChange)
	if err := fanout.Start(ctx); err != nil {
		slog.Error("Failed to start fan-out bus", "error", err)
		os.Exit(1)
	}
	slog.Info("Fan-out bus subscribed")

	// 6. HTTP server
	httpServer := api.NewServer(cfg, eng, connManager, clk)
	if dbClient != nil {
		httpServer.SetDBClient(dbClient)
	}
	if pipeline != nil {
		httpServer.SetAuditPipeline(pipeline)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown, reverse order of startup
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	connManager.CloseAll()
	fanout.Stop()
	if retention != nil {
		retention.Stop()
	}
	if pipeline != nil {
		pipeline.Stop()
	}

	slog.Info("Shutdown complete")
}
