package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/config"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/auth"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/execution"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/logger"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/reports"
	"github.com/vitos/trade_copy_bridge/internal/infrastructure/storage"
	"github.com/vitos/trade_copy_bridge/internal/usecase"
	"github.com/vitos/trade_copy_bridge/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Format)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Execution reports
	var reporter domain.ExecutionReporter = reports.NopReporter{}
	if len(cfg.Reports.Brokers) > 0 {
		reporter = reports.NewKafkaReporter(cfg.Reports.Brokers, cfg.Reports.Topic)
		log.Info("Publishing execution reports", zap.Strings("brokers", cfg.Reports.Brokers), zap.String("topic", cfg.Reports.Topic))
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			log.Warn("Failed to close reporter", zap.Error(err))
		}
	}()

	// 5. Init Services
	registry := usecase.NewConnectionRegistry(store, store, auth.NewBcryptVerifier(), log)
	adapters := execution.NewFactory(cfg.Adapters, registry, log)
	queue := usecase.NewExecutionQueue(store, store, adapters, reporter, usecase.QueueOptions{
		Workers:          cfg.Queue.Workers,
		BatchSize:        cfg.Queue.BatchSize,
		PollInterval:     cfg.Queue.PollInterval,
		ExecutionTimeout: cfg.Queue.ExecutionTimeout,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		Expiry:           cfg.Queue.Expiry,
		ExpirySweep:      cfg.Queue.ExpirySweep,
		OfflineDefer:     cfg.Queue.OfflineDefer,
	}, log)
	orchestrator := usecase.NewCopyOrchestrator(usecase.OrchestratorDeps{
		Trades:   store,
		Mappings: store,
		Copies:   store,
		Queue:    queue,
		Sessions: registry,
		Gate:     usecase.NewProtectionGate(store, log),
	}, cfg.Delivery.DirectPush, log)
	queue.SetNotifier(orchestrator)
	signals := usecase.NewSignalHandler(registry, orchestrator, queue, adapters.Acks(), log)
	monitor := usecase.NewHeartbeatMonitor(registry, cfg.Heartbeat.Tick, cfg.Heartbeat.Timeout, log)
	server := web.NewServer(cfg.Addr(), registry, signals, queue, store, log)

	// 6. Run until signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Bridge stopped with error", zap.Error(err))
	}
	registry.WaitPending()
	log.Info("Bridge stopped")
}
