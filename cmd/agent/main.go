package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/agentd"
	"github.com/t77yq/servermon/internal/config"
	"github.com/t77yq/servermon/internal/scheduler"
)

// retentionSchedule runs the history cleanup at the top of every hour
const retentionSchedule = "0 0 * * * *"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.Named("agentd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history, err := agentd.NewSQLiteHistory(logger, cfg.Agent.HistoryPath)
	if err != nil {
		logger.Fatal("Failed to open sample history", zap.Error(err))
	}
	defer history.Close()

	sampler := agentd.NewHostSampler(logger, "/")

	var services agentd.ServiceProbe = agentd.NoServices{}
	if cfg.Agent.Docker {
		probe, err := agentd.NewDockerProbe(logger)
		if err != nil {
			logger.Fatal("Failed to create docker client", zap.Error(err))
		}
		services = probe
	}

	collector := agentd.NewCollector(logger, sampler, history, cfg.Agent.SampleInterval)
	collector.Start(ctx)
	defer collector.Stop()

	cronScheduler := scheduler.NewCronScheduler(logger)
	if err := cronScheduler.ScheduleJob("history-retention", retentionSchedule,
		agentd.NewRetention(logger, history, cfg.Agent.Retention)); err != nil {
		logger.Fatal("Failed to schedule history retention", zap.Error(err))
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	srv := &http.Server{
		Addr:         cfg.Agent.Listen,
		Handler:      agentd.NewServer(logger, sampler, history, services).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("Agent listening",
			zap.String("addr", cfg.Agent.Listen),
			zap.Duration("sample_interval", cfg.Agent.SampleInterval),
			zap.Bool("docker", cfg.Agent.Docker))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout reached", zap.Error(err))
	}
	cancel()

	logger.Info("Agent stopped")
}
