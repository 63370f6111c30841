package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/poolwarden/poolwarden/internal/alerting"
	"github.com/poolwarden/poolwarden/internal/api"
	"github.com/poolwarden/poolwarden/internal/config"
	"github.com/poolwarden/poolwarden/internal/engine"
	"github.com/poolwarden/poolwarden/internal/metrics"
	"github.com/poolwarden/poolwarden/internal/packs"
	"github.com/poolwarden/poolwarden/internal/recovery"
	"github.com/poolwarden/poolwarden/internal/store"
	"github.com/poolwarden/poolwarden/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting poolwarden", slog.String("address", cfg.Server.Address))

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	gateway, err := store.OpenBadger(store.Options{
		Path:      cfg.Storage.Path,
		InMemory:  cfg.Storage.InMemory,
		Retention: cfg.Monitor.RetentionHorizon,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer gateway.Close()

	pack, err := packs.Load(cfg.Packs.Path)
	if err != nil {
		logger.Error("failed to load pack", slog.String("path", cfg.Packs.Path), slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breakers := recovery.NewBreakerRegistry(
		cfg.Monitor.BreakerFailureThreshold,
		cfg.Monitor.BreakerTimeout,
		gateway,
		logger,
	)
	if err := breakers.Load(ctx); err != nil {
		logger.Warn("failed to restore breaker states", slog.Any("error", err))
	}

	executors := recovery.NewRegistry(newLoggingPool(logger), breakers)
	orchestrator := recovery.NewOrchestrator(recovery.Options{
		Gateway:         gateway,
		Registry:        executors,
		Rules:           pack.Rules,
		Actions:         pack.Actions,
		MaxConcurrent:   cfg.Monitor.MaxConcurrentRecoveries,
		Cooldown:        cfg.Monitor.DefaultCooldown,
		RollbackEnabled: cfg.Monitor.RollbackEnabled,
		Logger:          logger,
	})

	alerts := alerting.NewManager(gateway, nil, cfg.Monitor.AlertConfidence, logger)

	var monitor *engine.Monitor
	watcher := config.NewWatcher(configPath, cfg, logger, func(next *config.Config) {
		if monitor != nil {
			monitor.ApplyConfig(next)
		}
	})

	monitor, err = engine.New(engine.Deps{
		Config:       watcher,
		Gateway:      gateway,
		Pack:         pack,
		Alerts:       alerts,
		Orchestrator: orchestrator,
		Breakers:     breakers,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build monitor", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := api.NewHandlers(monitor, breakers, cfg.Packs.Path, logger)
	server := api.NewServer(cfg.Server, handlers, registry, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("config watcher exited", slog.Any("error", err))
		}
	}()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	wg.Wait()

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("poolwarden stopped")
}

// loggingPool is the standalone binary's pool controller: it records every
// command instead of steering a real pool. Embedding hosts inject their own
// recovery.PoolController.
type loggingPool struct {
	logger *slog.Logger
}

func newLoggingPool(logger *slog.Logger) *loggingPool {
	return &loggingPool{logger: logger}
}

func (p *loggingPool) IncreasePoolSize(_ context.Context, increment, maxSize int) error {
	p.logger.Info("pool command: increase size",
		slog.Int("increment", increment), slog.Int("max_size", maxSize))
	return nil
}

func (p *loggingPool) RestorePoolSize(_ context.Context) error {
	p.logger.Info("pool command: restore size")
	return nil
}

func (p *loggingPool) RecycleIdleConnections(_ context.Context, batch int) error {
	p.logger.Info("pool command: recycle idle", slog.Int("batch", batch))
	return nil
}

func (p *loggingPool) SetAcquireThrottle(_ context.Context, ratePerSec float64) error {
	p.logger.Info("pool command: throttle acquires", slog.Float64("rate_per_sec", ratePerSec))
	return nil
}

func (p *loggingPool) ClearAcquireThrottle(_ context.Context) error {
	p.logger.Info("pool command: clear throttle")
	return nil
}

func (p *loggingPool) Failover(_ context.Context) error {
	p.logger.Info("pool command: failover")
	return nil
}
