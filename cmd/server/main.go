package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/liamcoop/policyhub/internal/config"
	"github.com/liamcoop/policyhub/internal/logger"
	"github.com/liamcoop/policyhub/internal/metrics"
	"github.com/liamcoop/policyhub/rules"
	"github.com/liamcoop/policyhub/sandbox"
)

func main() {
	configPath := flag.String("config", os.Getenv("POLICYHUB_CONFIG"), "Path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.SetLevel(level)
	logger.SetErrorSampleRate(cfg.Logging.SampleRate)

	ctx := context.Background()
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open storage", "driver", cfg.Storage.Driver, "error", err)
	}
	defer store.Close()

	engine, collector := buildEngine(store, cfg)

	if cfg.Engine.WarmUpEnabled() {
		if _, err := engine.Registry().WarmUp(ctx); err != nil {
			logger.Warn("Artifact cache warm-up failed", "error", err)
		}
	}

	server := NewServer(engine, collector, cfg)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"pool_size", cfg.Engine.PoolSize,
			"metrics", cfg.Metrics.IsEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (rules.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return rules.OpenPostgresStore(ctx, cfg.DatabaseURL)
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		return rules.OpenSQLiteStore(ctx, cfg.SQLitePath)
	case config.DriverMemory:
		logger.Warn("Using in-memory storage; templates and policies are lost on restart")
		return rules.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// buildEngine wires the cache, registry, sandbox pool and engine. The
// returned collector is nil when metrics are disabled.
func buildEngine(store rules.Store, cfg *config.Config) (*rules.Engine, *metrics.Collector) {
	var (
		collector   *metrics.Collector
		ruleMetrics rules.Metrics
		poolMetrics sandbox.Metrics
	)
	if cfg.Metrics.IsEnabled() {
		collector = metrics.New(cfg.Metrics.Namespace)
		ruleMetrics, poolMetrics = collector, collector
	}

	cache := rules.NewInMemoryArtifactCache(cfg.Engine.ArtifactCacheConfig(), nil, ruleMetrics)
	registry := rules.NewRegistry(store, cache, rules.WithMetrics(ruleMetrics))
	pool := sandbox.NewPool(cfg.Engine.SandboxConfig(), poolMetrics)
	return rules.NewEngine(registry, pool, ruleMetrics), collector
}
