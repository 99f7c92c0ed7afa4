// Burrow daemon: hosts actor instances behind the HTTP/websocket surface,
// persists them through the configured driver, and wakes them on alarms.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/burrow-labs/burrow/pkg/actor"
	"github.com/burrow-labs/burrow/pkg/api"
	"github.com/burrow-labs/burrow/pkg/config"
	"github.com/burrow-labs/burrow/pkg/kv/memkv"
	"github.com/burrow-labs/burrow/pkg/kv/pgkv"
	"github.com/burrow-labs/burrow/pkg/kv/sqlitekv"
	"github.com/burrow-labs/burrow/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveRegion determines the region label attached to every instance.
// Priority: BURROW_REGION env > "local"
func resolveRegion() string {
	return getEnv("BURROW_REGION", "local")
}

func main() {
	configPath := flag.String("config",
		getEnv("BURROW_CONFIG", "./burrow.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting burrow",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	driver, cleanup, err := openDriver(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open storage driver", "driver", cfg.Driver, "error", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.Info("Storage driver ready", "driver", cfg.Driver)

	registry := actor.NewRegistry(driver, cfg.Runtime, resolveRegion())
	wireNotifier(driver, registry)

	if err := registerActors(registry); err != nil {
		slog.Error("Failed to register actor definitions", "error", err)
		os.Exit(1)
	}

	httpServer := api.NewServer(cfg, registry)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting traffic first, then flush actors to storage.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	registryCtx, registryCancel := context.WithTimeout(ctx, 30*time.Second)
	defer registryCancel()
	if err := registry.Shutdown(registryCtx); err != nil {
		slog.Error("Registry shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// openDriver builds the configured storage driver.
func openDriver(ctx context.Context, cfg *config.ServerConfig) (actor.Driver, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memkv.New(), func() {}, nil

	case config.DriverSQLite:
		d, err := sqlitekv.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {
			if err := d.Close(); err != nil {
				slog.Error("Error closing sqlite driver", "error", err)
			}
		}, nil

	case config.DriverPostgres:
		d, err := pgkv.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {
			if err := d.Close(); err != nil {
				slog.Error("Error closing postgres driver", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// wireNotifier hands the registry callbacks to whichever driver is in use.
func wireNotifier(driver actor.Driver, registry *actor.Registry) {
	switch d := driver.(type) {
	case *memkv.Driver:
		d.SetNotifier(registry)
	case *sqlitekv.Driver:
		if err := d.SetNotifier(registry); err != nil {
			slog.Error("Failed to re-arm persisted alarms", "error", err)
		}
	case *pgkv.Driver:
		d.SetNotifier(registry)
	}
}
