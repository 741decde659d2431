package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmehra/marketpipe/internal/broker"
	"github.com/rmehra/marketpipe/internal/config"
	"github.com/rmehra/marketpipe/internal/database"
	"github.com/rmehra/marketpipe/internal/version"
	"github.com/rmehra/marketpipe/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/pipeline.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting writerd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWriter(); err != nil {
		logger.Error("invalid writer config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"consumer", cfg.Writer.Consumer,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Connect to the broker
	b := broker.NewRedis(cfg.Broker)
	defer b.Close()

	if err := b.Ping(ctx); err != nil {
		logger.Error("broker unreachable", "error", err, "addr", cfg.Broker.Addr)
		os.Exit(1)
	}
	logger.Info("broker connected", "addr", cfg.Broker.Addr)

	// Create the writer
	store := writer.NewStore(pool, logger)
	w := writer.NewWriter(cfg.Writer, b, store, logger)

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.WriterPort),
		Handler: createHealthHandler(w, pool.Ping, b),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.WriterPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Start consuming
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}

	logger.Info("writerd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.WriterPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := w.Stop(shutdownCtx); err != nil {
		logger.Error("writer stop failed", "error", err)
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("writerd stopped")
}

// createHealthHandler serves liveness and writer stats. Retries within
// policy report degraded, not unhealthy, so the orchestrator does not kill
// a writer that is still holding unflushed data.
func createHealthHandler(w *writer.Writer, pingDB func(context.Context) error, b broker.Broker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pingDB(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		if err := b.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["broker"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["broker"] = "connected"
		}

		if !w.Healthy() && health.Status == "healthy" {
			health.Status = "degraded"
		}

		rw.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(rw).Encode(health)
	})

	mux.HandleFunc("GET /stats", func(rw http.ResponseWriter, r *http.Request) {
		stats := w.Stats()
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"flushes":        stats.Flushes,
			"flush_errors":   stats.FlushErrors,
			"read_errors":    stats.ReadErrors,
			"quote_upserts":  stats.QuoteUpserts,
			"stale_quotes":   stats.StaleQuotes,
			"tick_inserts":   stats.TickInserts,
			"tick_conflicts": stats.TickConflicts,
			"evicted":        stats.Evicted,
			"pending":        stats.Pending,
			"degraded":       stats.Degraded,
			"last_flush_at":  stats.LastFlushAt,
		})
	})

	return mux
}
