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
	"github.com/rmehra/marketpipe/internal/feed"
	"github.com/rmehra/marketpipe/internal/instrument"
	"github.com/rmehra/marketpipe/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/pipeline.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedd",
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
	if err := cfg.ValidateFeed(); err != nil {
		logger.Error("invalid feed config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.Feed.WSURL,
		"underlying", cfg.Feed.Underlying,
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

	// Resolve the subscription list from reference data
	logger.Info("loading instrument reference data",
		"host", cfg.Database.Host,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	snapshot, err := instrument.Load(ctx, pool)
	pool.Close() // Reference data is only needed at startup
	if err != nil {
		logger.Error("failed to load instruments", "error", err)
		os.Exit(1)
	}

	registry := instrument.NewRegistry(snapshot)
	selected, err := registry.Resolve(instrument.Selection{
		Underlying:   cfg.Feed.Underlying,
		Expiry:       cfg.Feed.Expiry,
		StrikeWindow: cfg.Feed.StrikeWindow,
	})
	if err != nil {
		logger.Error("failed to resolve instrument selection", "error", err)
		os.Exit(1)
	}

	keys := make([]string, len(selected))
	for i, inst := range selected {
		keys[i] = inst.EntityKey
	}

	logger.Info("instrument selection resolved",
		"total", registry.Len(),
		"selected", len(keys),
	)

	// Connect to the broker
	b := broker.NewRedis(cfg.Broker)
	defer b.Close()

	if err := b.Ping(ctx); err != nil {
		logger.Error("broker unreachable", "error", err, "addr", cfg.Broker.Addr)
		os.Exit(1)
	}
	logger.Info("broker connected", "addr", cfg.Broker.Addr)

	// Create the publisher
	srcCfg := feed.DefaultSourceConfig()
	srcCfg.URL = cfg.Feed.WSURL
	srcCfg.APIKey = cfg.Feed.APIKey

	pubCfg := feed.PublisherConfig{
		SubscribeTimeout:   cfg.Feed.SubscribeTimeout,
		IdleTimeout:        cfg.Feed.IdleTimeout,
		ReconnectBaseDelay: cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Feed.ReconnectMaxDelay,
		StabilityWindow:    cfg.Feed.StabilityWindow,
		QueueSize:          cfg.Feed.PublishQueueSize,
	}

	publisher := feed.NewPublisher(pubCfg, feed.NewWebsocketFactory(srcCfg, logger), b, keys, logger)

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.FeedPort),
		Handler: createHealthHandler(publisher, b, registry),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.FeedPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Start streaming
	if err := publisher.Start(ctx); err != nil {
		logger.Error("failed to start publisher", "error", err)
		os.Exit(1)
	}

	logger.Info("feedd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.FeedPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	publisher.Stop(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	logger.Info("feedd stopped")
}

// createHealthHandler serves liveness and publisher stats.
func createHealthHandler(p *feed.Publisher, b broker.Broker, registry *instrument.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
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

		stats := p.Stats()
		health.Components["feed"] = map[string]any{
			"state":      string(stats.State),
			"reconnects": stats.Reconnects,
		}
		if stats.State != feed.StateStreaming {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats := p.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state":          string(stats.State),
			"published":      stats.Published,
			"dropped":        stats.Dropped,
			"publish_errors": stats.PublishErrors,
			"parse_errors":   stats.ParseErrors,
			"reconnects":     stats.Reconnects,
			"queue_len":      stats.QueueLen,
			"instruments":    registry.Len(),
		})
	})

	return mux
}
