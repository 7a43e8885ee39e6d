// MentorMesh realtime core. Serves the REST API and both WebSocket
// planes, runs the booking saga executor and the retention sweeps.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mentormesh/core/pkg/api"
	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/cleanup"
	"github.com/mentormesh/core/pkg/config"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
	"github.com/mentormesh/core/pkg/moderation"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/payments"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/saga"
	"github.com/mentormesh/core/pkg/services"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for logs and multi-replica
// diagnostics. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()

	slog.Info("Starting MentorMesh core",
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect the shared key/value store
	store, err := kv.NewRedis(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to shared store", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing shared store", "error", err)
		}
	}()
	slog.Info("Connected to shared store", "addr", cfg.Redis.Addr)

	// 3. Connect PostgreSQL and apply pending migrations
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 4. Identity and connection registry
	m := metrics.NewMetrics()

	authService, err := auth.NewService(cfg.Auth, store)
	if err != nil {
		slog.Error("Failed to initialize auth service", "error", err)
		os.Exit(1)
	}

	reg := registry.NewManager(cfg.Registry, store, m)
	if err := reg.Start(ctx); err != nil {
		slog.Error("Failed to start connection registry", "error", err)
		os.Exit(1)
	}

	// 5. Outbound collaborators. The notifier is nil when no sink is
	// configured; every caller is nil-safe.
	moderator := moderation.NewService(cfg.Moderation)
	notifier := notify.NewService(cfg.Notifications)
	payClient := payments.NewClient(cfg.Payments)

	// 6. Saga executor (crash resume scans start immediately)
	sagaExec := saga.NewExecutor(cfg.Saga, dbClient, store, m)
	if err := sagaExec.Start(ctx); err != nil {
		slog.Error("Failed to start saga executor", "error", err)
		os.Exit(1)
	}

	// 7. Domain services
	messageService := services.NewMessageService(
		cfg.Messages, dbClient, store, reg, moderator, authService, notifier, m)
	if err := messageService.Start(ctx); err != nil {
		slog.Error("Failed to start message service", "error", err)
		os.Exit(1)
	}

	callService := services.NewCallService(cfg.Calls, dbClient, store, reg, notifier, m)
	if err := callService.Start(ctx); err != nil {
		slog.Error("Failed to start call service", "error", err)
		os.Exit(1)
	}

	bookingService := services.NewBookingService(cfg.Bookings, dbClient, payClient, notifier, sagaExec)
	slog.Info("Services initialized")

	// 8. Retention sweeps
	sweeper := cleanup.NewService(cfg.Retention, dbClient, callService, reg)
	sweeper.Start(ctx)

	// 9. Start HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient, store, authService, reg,
		messageService, callService, bookingService, m)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("MentorMesh core started successfully",
		"pod_id", podID,
		"addr", cfg.Server.ListenAddr)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop HTTP intake, close live connections,
	// then drain the background planes before the stores close.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := reg.Stop(shutdownCtx); err != nil {
		slog.Error("Connection registry shutdown error", "error", err)
	}

	sweeper.Stop()
	callService.Stop()
	messageService.Stop()
	sagaExec.Stop()
	notifier.Stop()

	slog.Info("Shutdown complete")
}
