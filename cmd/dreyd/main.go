package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/broadcast"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/coordinator"
	"github.com/dyluth/drey/internal/fusion"
	"github.com/dyluth/drey/internal/identity"
	"github.com/dyluth/drey/internal/lifecycle"
	"github.com/dyluth/drey/internal/metrics"
	"github.com/dyluth/drey/internal/registry"
	"github.com/dyluth/drey/internal/server"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv("DREY_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")

	if instanceName == "" || redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: DREY_INSTANCE_NAME and REDIS_URL must be set\n")
		os.Exit(1)
	}

	// 2. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REDIS_URL: %v\n", err)
		os.Exit(1)
	}

	// 3. Load drey.yml configuration, falling back to defaults
	cfg := config.Default()
	if path := os.Getenv("DREY_CONFIG"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance", instanceName))

	// 4. Create fleet store and verify Redis connectivity
	store, err := fleet.NewStore(redisOpts, instanceName)
	if err != nil {
		logger.Fatal("failed to create fleet store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("redis not accessible", zap.Error(err))
	}

	// 5. Open the audit log, verifying any persisted chain
	auditLog, err := audit.Open(ctx, store, logger)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}

	// 6. Assemble the coordinator
	allocator := identity.NewAllocator()
	reg, err := registry.New(ctx, store, allocator, auditLog, logger)
	if err != nil {
		logger.Fatal("failed to create registry", zap.Error(err))
	}

	fusionEngine := fusion.NewEngine(cfg.Fusion, store, auditLog, logger)
	dispatcher := broadcast.NewDispatcher(cfg.Broadcast, auditLog, logger)
	manager := lifecycle.NewManager(cfg.Lifecycle, reg, dispatcher, allocator, store, auditLog, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promRegistry)

	engine := coordinator.New(cfg, store, auditLog, reg, fusionEngine, dispatcher, manager, m, logger)

	api := server.New(server.Deps{
		Registry:  reg,
		Catalog:   allocator,
		Coord:     engine,
		Fusion:    fusionEngine,
		Lifecycle: manager,
		AuditLog:  auditLog,
		Store:     store,
		Metrics:   m,
		Gatherer:  promRegistry,
		Logger:    logger,
	})

	logger.Info("coordinator starting",
		zap.String("listen", cfg.Server.Listen),
		zap.Int("restored_workers", reg.Status().Total),
	)

	// 7. Run until SIGTERM/SIGINT
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx, api.Handler())
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			logger.Fatal("coordinator failed", zap.Error(runErr))
		}
	}

	logger.Info("coordinator stopped")
}
