package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmehra/marketpipe/internal/config"
	"github.com/rmehra/marketpipe/internal/supervisor"
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

	logger.Info("starting pipelined",
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
	if err := cfg.ValidateSupervisor(); err != nil {
		logger.Error("invalid supervisor config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"services", len(cfg.Supervisor.Services),
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

	// Build the supervisor
	sup, err := supervisor.New(cfg.Supervisor, supervisor.NewExecLauncher(), logger)
	if err != nil {
		logger.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	// Control server
	controlServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.SupervisorPort),
		Handler: createControlHandler(sup, logger),
	}

	go func() {
		logger.Info("starting control server", "port", cfg.Health.SupervisorPort)
		if err := controlServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("control server error", "error", err)
		}
	}()

	// Start the supervised services
	if err := sup.StartAll(ctx); err != nil {
		logger.Error("startup sequence failed", "error", err)
		sup.StopAll(context.Background())
		os.Exit(1)
	}

	logger.Info("pipelined running",
		"instance_id", cfg.Instance.ID,
		"status_url", fmt.Sprintf("http://localhost:%d/status", cfg.Health.SupervisorPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sup.StopAll(shutdownCtx)
	controlServer.Shutdown(shutdownCtx)

	logger.Info("pipelined stopped")
}

// createControlHandler serves the orchestrator control surface: a status
// snapshot plus per-service start, stop, and restart.
func createControlHandler(sup *supervisor.Supervisor, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !sup.Healthy() {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"services": sup.Snapshot(),
		})
	})

	control := func(op string, fn func(context.Context, string) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			name := r.PathValue("name")
			logger.Info("control request", "op", op, "service", name)

			err := fn(r.Context(), name)
			w.Header().Set("Content-Type", "application/json")
			if err != nil {
				code := http.StatusInternalServerError
				if errors.Is(err, supervisor.ErrUnknownService) {
					code = http.StatusNotFound
				}
				w.WriteHeader(code)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"service": name, "op": op, "result": "ok"})
		}
	}

	mux.HandleFunc("POST /services/{name}/start", control("start", sup.StartOne))
	mux.HandleFunc("POST /services/{name}/stop", control("stop", sup.StopOne))
	mux.HandleFunc("POST /services/{name}/restart", control("restart", sup.RestartOne))

	return mux
}
