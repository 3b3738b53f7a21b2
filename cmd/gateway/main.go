package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution_gateway/internal/broker"
	"execution_gateway/internal/cache"
	"execution_gateway/internal/config"
	"execution_gateway/internal/infrastructure/admin"
	"execution_gateway/internal/infrastructure/metrics"
	"execution_gateway/internal/reconciler"
	"execution_gateway/internal/store"
	"execution_gateway/pkg/concurrency"
	"execution_gateway/pkg/logging"
	"execution_gateway/pkg/retry"
	"execution_gateway/pkg/telemetry"
)

var configFile = flag.String("config", "configs/gateway.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		bootLogger, _ := logging.NewZapLogger("INFO")
		bootLogger.Fatal("Failed to load configuration", "file", *configFile, "error", err)
	}

	// 2. Initialize Logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting execution gateway",
		"config", *configFile,
		"dry_run", cfg.Reconciliation.DryRun,
	)

	// 3. Initialize Telemetry
	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	// 4. Open Store
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open store", "path", cfg.Database.Path, "error", err)
	}
	defer sqlStore.Close()

	// 5. Connect Quarantine Cache
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisCache *cache.RedisCache
	err = retry.Do(ctx, retry.DefaultPolicy, retry.Always, func() error {
		var connErr error
		redisCache, connErr = cache.NewRedisCache(ctx, cfg.Redis, logger)
		return connErr
	})
	if err != nil {
		logger.Fatal("Failed to connect to cache", "addr", cfg.Redis.Addr, "error", err)
	}
	defer redisCache.Close()

	// 6. Broker Client + Reconciliation Service
	brokerClient := broker.NewAlpacaClient(cfg.Broker, logger)
	svc := reconciler.NewService(brokerClient, sqlStore, redisCache, cfg.Reconciliation, logger)

	// 7. Trade Update Stream
	streamPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "TradeUpdatePool",
		MaxWorkers:  4,
		MaxCapacity: 1024,
		NonBlocking: true,
	}, logger)
	defer streamPool.StopAndWait()

	stream := broker.NewTradeUpdateStream(cfg.Broker, svc.HandleTradeUpdate, streamPool, logger)
	if err := stream.Start(ctx); err != nil {
		logger.Fatal("Failed to start trade update stream", "error", err)
	}
	defer stream.Stop()

	// 8. HTTP Surfaces
	metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	metricsServer.Start()

	adminServer := admin.NewServer(cfg.System.AdminPort, svc, logger)
	adminServer.Start()

	// 9. Startup Reconciliation, then the periodic loop. A failed startup
	// cycle leaves the gate closed; the loop keeps retrying and operators
	// can force a bypass through the admin surface.
	startupCtx, startupCancel := context.WithTimeout(ctx, cfg.Reconciliation.Timeout())
	if err := svc.RunStartupReconciliation(startupCtx); err != nil {
		logger.Error("Startup reconciliation failed, gate remains closed", "error", err)
	}
	startupCancel()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciliation loop", "error", err)
	}

	// 10. Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(); err != nil {
		logger.Warn("Reconciliation loop stop failed", "error", err)
	}
	if err := adminServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Admin server stop failed", "error", err)
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Metrics server stop failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
