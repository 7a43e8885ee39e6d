// MentorMesh edge gateway. Routes, authenticates, rate limits, caches
// and load balances API traffic in front of the platform services.
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
	"time"

	"github.com/joho/godotenv"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/config"
	"github.com/mentormesh/core/pkg/gateway"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
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

	slog.Info("Starting MentorMesh gateway",
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect the shared key/value store. It backs the edge state:
	// rate limit counters, IP blocks, the response cache and mirrored
	// circuit status.
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

	// 3. Token verifier. The gateway shares the signing secret with the
	// core so it can authorize without a network hop.
	verifier, err := auth.NewService(cfg.Auth, store)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	// 4. Backend pools with health checking
	m := metrics.NewMetrics()

	balancer := gateway.NewBalancer(cfg.Gateway.Balancer)
	for name, svc := range cfg.Gateway.Services {
		if err := balancer.Register(name, svc); err != nil {
			slog.Error("Failed to register backend pool", "service", name, "error", err)
			os.Exit(1)
		}
	}
	if err := balancer.Start(ctx); err != nil {
		slog.Error("Failed to start balancer health checks", "error", err)
		os.Exit(1)
	}

	// 5. Assemble the pipeline
	gw, err := gateway.New(cfg.Gateway.Pipeline, store, verifier, balancer, m)
	if err != nil {
		slog.Error("Failed to assemble gateway", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", cfg.Gateway.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("MentorMesh gateway started successfully",
		"pod_id", podID,
		"routes", stats.GatewayRoutes,
		"services", stats.GatewayServices)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Gateway.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	balancer.Stop()

	slog.Info("Shutdown complete")
}
