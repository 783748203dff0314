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

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/agent"
	"github.com/t77yq/servermon/internal/api"
	"github.com/t77yq/servermon/internal/auth"
	"github.com/t77yq/servermon/internal/config"
	"github.com/t77yq/servermon/internal/monitor"
	"github.com/t77yq/servermon/internal/notify"
	"github.com/t77yq/servermon/internal/report"
	"github.com/t77yq/servermon/internal/scheduler"
	"github.com/t77yq/servermon/internal/service"
	"github.com/t77yq/servermon/internal/sse"
	"github.com/t77yq/servermon/internal/storage"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// connectNATS dials the configured server, retrying with a growing delay
func connectNATS(logger *zap.Logger, appName string, cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(appName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()

	// Alert events go through JetStream when NATS is configured
	var events service.AlertStream
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(logger, cfg.App.Name, cfg.NATS)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()
		logger.Info("Connected to NATS successfully",
			zap.String("url", nc.ConnectedUrl()))

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		if events, err = service.NewAlertEvents(js, logger); err != nil {
			logger.Fatal("Failed to create alert stream", zap.Error(err))
		}
	} else {
		logger.Info("No NATS url configured, alert events stay in process")
		events = service.NewLocalAlertEvents(logger)
	}

	hub := sse.NewHub(logger)
	go hub.Run(ctx)

	agentClient := agent.NewClient(logger, cfg.Agent.Timeout, cfg.Agent.DefaultPort)

	poller := monitor.NewPoller(logger, store, agentClient, monitor.PollerConfig{
		Interval:      cfg.Poller.Interval,
		HistoryPoints: cfg.Poller.HistoryPoints,
		Concurrency:   cfg.Poller.Concurrency,
	}).WithBroadcaster(hub)
	poller.Start(ctx)
	defer poller.Stop()

	// Notifications
	channels := notify.NewChannels(logger, cfg.Notify)
	mailer := channels[0].(*notify.EmailChannel)
	dispatcher := notify.NewDispatcher(logger, store, cfg.Notify, channels...)
	if err := dispatcher.Start(ctx, events); err != nil {
		logger.Fatal("Failed to start notifier", zap.Error(err))
	}

	authService := auth.NewService(logger, store, auth.Config{
		Secret:     cfg.Auth.JWTSecret,
		TokenTTL:   cfg.Auth.TokenTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}).WithMailer(mailer)

	created, err := authService.Bootstrap(ctx, cfg.Auth.BootstrapAdmin.Email, cfg.Auth.BootstrapAdmin.Password)
	if err != nil {
		logger.Fatal("Failed to bootstrap admin", zap.Error(err))
	}
	if created {
		logger.Info("Created bootstrap admin", zap.String("email", cfg.Auth.BootstrapAdmin.Email))
	}

	// Cron jobs
	cronScheduler := scheduler.NewCronScheduler(logger)
	if cfg.Alerting.Enabled {
		evaluator := monitor.NewEvaluator(logger, store, agentClient).
			WithCache(poller, cfg.Poller.Interval).
			WithEvents(events).
			WithBroadcaster(hub)
		if err := cronScheduler.ScheduleJob("alert-rules", cfg.Alerting.Schedule, evaluator); err != nil {
			logger.Fatal("Failed to schedule alert rules", zap.Error(err))
		}
	}
	if err := cronScheduler.ScheduleFunc("refresh-token-purge", "0 0 * * * *", func() {
		n, err := authService.PurgeRefreshTokens(ctx)
		if err != nil {
			logger.Error("Failed to purge refresh tokens", zap.Error(err))
			return
		}
		logger.Debug("Purged refresh tokens", zap.Int64("count", n))
	}); err != nil {
		logger.Fatal("Failed to schedule refresh token purge", zap.Error(err))
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	limiter, err := auth.NewRateLimiter(float64(cfg.Auth.LoginRatePerMinute), cfg.Auth.LoginBurst).
		WithTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		logger.Fatal("Invalid http.trusted_proxies", zap.Error(err))
	}
	defer limiter.Stop()

	handler := api.New(logger, api.Config{
		Store:    store,
		Agent:    agentClient,
		Auth:     authService,
		Sessions: auth.NewSessionStore(),
		Limiter:  limiter,
		Live:     poller,
		Events:   hub,
		Reports:  report.NewBuilder(0),
		Jobs:     cronScheduler,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Setup signal handling for graceful shutdown
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
		logger.Warn("Shutdown timeout reached, closing connections", zap.Error(err))
	}
	cancel()

	logger.Info("Server shutting down gracefully")
}
