package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/api"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/artifacts"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci/github"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/config"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/orchestrator"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/poll"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/pushchan"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/pushchan/rabbitmq"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/storage"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/storage/persistent"
)

func main() {

	// --- Load .env file (for local development only) ---
	// Only attempt to load a .env file if APP_ENV is not 'production'.
	if os.Getenv("APP_ENV") != "production" {
		godotenv.Load()
	}

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting execution pipeline server...", slog.String("log_level", cfg.LogLevel))

	// --- Context for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Dependency Injection ---
	// The push-event registry is always on; its transports are optional.
	registry := pushchan.NewRegistry(logger)

	var binder orchestrator.ChannelBinder
	var health pushchan.HealthChecker
	if cfg.RabbitMQ_URL != "" {
		bridge, err := rabbitmq.NewBridge(cfg.RabbitMQ_URL, registry, logger)
		if err != nil {
			logger.Error("Failed to initialize RabbitMQ push bridge", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer bridge.Close()
		binder = bridge
		health = bridge
	} else {
		logger.Info("RABBITMQ_URL not set, push channel limited to HTTP webhooks")
	}

	var provider ci.Provider
	if cfg.HasCIProvider() {
		provider = github.NewClient(cfg.GitHub_APIURL, cfg.GitHub_Token, cfg.GitHub_Owner, cfg.GitHub_Repo, logger)
		logger.Info("GitHub Actions provider configured",
			slog.String("owner", cfg.GitHub_Owner),
			slog.String("repo", cfg.GitHub_Repo))
	} else {
		logger.Info("No CI repository configured, runs resolve via push channel or simulated fallback")
	}

	var sink storage.ResultSink
	if cfg.Postgres_DSN != "" {
		store, err := persistent.NewStore(cfg.Postgres_DSN, logger)
		if err != nil {
			logger.Error("Failed to initialize persistent result sink", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer store.Close()
		sink = store
	} else {
		logger.Info("POSTGRES_DSN not set, terminal snapshots will not be persisted")
	}

	var archiver poll.Archiver
	if cfg.MinIO_Endpoint != "" {
		mirror, err := artifacts.NewMirror(cfg.MinIO_Endpoint, cfg.MinIO_AccessKey, cfg.MinIO_SecretKey, cfg.MinIO_BucketName, cfg.MinIO_UseSSL, logger)
		if err != nil {
			logger.Error("Failed to initialize artifact mirror", slog.String("error", err.Error()))
			os.Exit(1)
		}
		archiver = mirror
	} else {
		logger.Info("MINIO_ENDPOINT not set, CI artifacts will not be mirrored")
	}

	var poller *poll.Poller
	if provider != nil {
		poller = poll.New(provider, archiver, cfg.PollInterval, cfg.PollMaxAttempts, logger)
	}

	runCfg := orchestrator.DefaultConfig()
	runCfg.WebhookTimeout = cfg.WebhookTimeout
	runCfg.WebhookTimeoutOffline = cfg.WebhookTimeoutOffline
	runCfg.PollInterval = cfg.PollInterval
	runCfg.PollMaxAttempts = cfg.PollMaxAttempts

	manager := orchestrator.NewManager(runCfg, orchestrator.Deps{
		Registry: registry,
		Binder:   binder,
		Health:   health,
		Provider: provider,
		Poller:   poller,
		Sink:     sink,
		Logger:   logger,
	})
	defer manager.Shutdown()

	apiHandler := api.NewAPI(manager, registry, sink, logger, cfg)

	// --- Router Setup ---
	router := api.SetupRouter(apiHandler, cfg)
	logger.Info("API router configured")

	// --- HTTP Server Setup ---
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout + (5 * time.Second), // Slightly longer than handler timeout
		WriteTimeout: cfg.RequestTimeout + (5 * time.Second),
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	// --- Start Server Goroutine ---
	go func() {
		logger.Info("Server starting on address", slog.String("address", server.Addr))
		if err := server.ListenAndServe(); errors.Is(err, syscall.EADDRINUSE) {
			logger.Error("Port is already in use. Is another instance of the server already running?", slog.String("address", server.Addr))
			stop()
		} else if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed to start or unexpectedly closed", slog.String("error", err.Error()))
			stop()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	// --- Graceful Shutdown ---
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server graceful shutdown failed", slog.String("error", err.Error()))
	} else {
		logger.Info("Server gracefully stopped")
	}

	logger.Info("Shutdown complete.")
}
