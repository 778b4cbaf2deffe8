package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/config"
	"finlink/internal/shared/logging"
	"finlink/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
			SampleRatio:  cfg.Telemetry.SampleRatio,
			MetricsPort:  cfg.Telemetry.MetricsPort,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Error("telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if deps.SyncListener != nil {
		deps.SyncListener.Start(ctx)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(scheduler.Config{
			ScheduleTimes: cfg.Scheduler.ScheduleTimes,
			WorkerCount:   cfg.Scheduler.WorkerCount,
			JobDelay:      cfg.Scheduler.JobDelay,
			QueueSize:     cfg.Scheduler.QueueSize,
			RunOnStartup:  cfg.Scheduler.RunOnStartup,
			JobProvider:   scheduler.SyncJobProvider(deps.OpenFinanceService, logger.Named("scheduler")),
		}, logger)
		if err != nil {
			return err
		}
		sched.Start()
		logger.Info("next scheduled sync", zap.Time("at", sched.NextRun()))
	} else {
		logger.Info("scheduler is disabled")
	}

	handler := SetupRoutes(deps, cfg, logger)

	serverErr := make(chan error, 1)
	srv, redirectSrv := StartServers(NewServerConfigFromConfig(handler, cfg), logger, serverErr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
		GracefulShutdown(srv, redirectSrv, sched, deps.SyncListener, shutdownTimeout, logger)
		return err
	}

	GracefulShutdown(srv, redirectSrv, sched, deps.SyncListener, shutdownTimeout, logger)
	return nil
}
