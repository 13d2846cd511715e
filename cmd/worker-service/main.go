package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskrelay/internal/api/handler"
	"github.com/cuongbtq/taskrelay/internal/api/router"
	"github.com/cuongbtq/taskrelay/internal/bootstrap"
	"github.com/cuongbtq/taskrelay/internal/config"
	"github.com/cuongbtq/taskrelay/internal/dispatcher"
	taskhandler "github.com/cuongbtq/taskrelay/internal/dispatcher/handler"
	"github.com/cuongbtq/taskrelay/internal/ledger"
	"github.com/cuongbtq/taskrelay/internal/metrics"
	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/cuongbtq/taskrelay/shared/backoff"
	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig(flag.CommandLine, os.Args[1:], "WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Closed in reverse order on return
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Warn("Failed to close resource", slog.Any("error", err))
			}
		}
	}()

	checks := map[string]handler.HealthChecker{}

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	closers = append(closers, rabbitClient.Close)
	checks["rabbitmq"] = rabbitClient
	appLogger.Info("RabbitMQ connection established")

	if err := metrics.RegisterBrokerGauge(rabbitClient.IsConnected); err != nil {
		return fmt.Errorf("failed to register broker gauge: %w", err)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := bootstrap.InitStagingStore(initCtx, &cfg.Staging, appLogger.Logger)
	initCancel()
	if err != nil {
		return err
	}
	stagingClient := staging.NewClient(store, staging.Config{Prefix: cfg.Staging.Prefix}, appLogger.Logger)
	closers = append(closers, stagingClient.Close)
	appLogger.Info("Staging store connected", slog.String("backend", cfg.Staging.Backend))

	taskLedger, closeLedger, err := initLedger(cfg, appLogger.Logger, checks)
	if err != nil {
		return err
	}
	if closeLedger != nil {
		closers = append(closers, closeLedger)
	}

	cleanup, err := staging.ParseCleanupPolicy(cfg.Staging.Cleanup.Policy)
	if err != nil {
		return err
	}

	registry := dispatcher.NewRegistry()
	if err := taskhandler.Register(registry, cfg.Dispatcher.Handlers, appLogger.Logger); err != nil {
		return fmt.Errorf("failed to register task handlers: %w", err)
	}
	appLogger.Info("Task handlers registered", slog.Any("task_types", registry.TaskTypes()))

	if err := os.MkdirAll(cfg.Staging.WorkDir, 0o750); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	fetchers, err := initInstanceStaging(cfg, stagingClient, appLogger.Logger)
	if err != nil {
		return err
	}
	for _, f := range fetchers {
		if f != stagingClient {
			closers = append(closers, f.Close)
		}
	}

	hostname, _ := os.Hostname()
	pool := dispatcher.NewPool(&dispatcher.Config{
		Logger:          appLogger.Logger,
		Broker:          rabbitClient,
		Staging:         stagingClient,
		InstanceStaging: func(i int) dispatcher.Fetcher { return fetchers[i] },
		Ledger:          taskLedger,
		Handlers:        registry,
		ConsumerTag:     fmt.Sprintf("%s-%s-%d", cfg.RabbitMQ.Consumer.TagPrefix, hostname, os.Getpid()),
		WorkDir:         cfg.Staging.WorkDir,
		FetchAttempts:   cfg.Dispatcher.FetchRetries,
		FetchBackoff: backoff.Policy{
			Base:          cfg.Dispatcher.FetchBackoff,
			Max:           cfg.Dispatcher.FetchBackoffMax,
			Randomization: cfg.Dispatcher.FetchBackoffJitter,
		},
		TaskTimeout:      cfg.Dispatcher.TaskTimeout,
		Cleanup:          cleanup,
		ResubscribeDelay: cfg.Dispatcher.ResubscribeDelay,
	}, cfg.Dispatcher.Instances)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cleanup == staging.CleanupExpire {
		janitor := staging.NewJanitor(store, staging.JanitorConfig{
			Dir:      cfg.Staging.Prefix,
			MaxAge:   cfg.Staging.Cleanup.ExpireAfter,
			Interval: cfg.Staging.Cleanup.SweepInterval,
		}, appLogger.Logger)
		go janitor.Run(ctx)
	}

	var opsServer *http.Server
	if cfg.Metrics.Enabled {
		opsServer = startOpsServer(cfg, appLogger.Logger, checks)
	}

	pool.Start(ctx)
	appLogger.Info("Worker service started successfully", slog.Int("instances", cfg.Dispatcher.Instances))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-pool.Done():
		runErr = pool.Err()
		appLogger.Error("Dispatcher pool exited", slog.Any("error", runErr))
	}

	if err := pool.Shutdown(cfg.Dispatcher.ShutdownTimeout); err != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, in-flight tasks were requeued",
			slog.Any("error", err),
		)
	} else {
		appLogger.Info("Worker stopped gracefully")
	}
	cancel()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server forced to shutdown", slog.Any("error", err))
		}
		shutdownCancel()
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLedger builds the configured ledger. The returned closer may be nil.
func initLedger(cfg *config.Config, logger *slog.Logger, checks map[string]handler.HealthChecker) (ledger.Ledger, func() error, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBackendPostgres:
		dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		pg := ledger.NewPostgres(dbClient.GetDB(), logger)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			dbClient.Close()
			return nil, nil, err
		}
		checks["postgres"] = dbClient
		logger.Info("Database connection established")
		return pg, dbClient.Close, nil

	case config.LedgerBackendRedis:
		client, err := bootstrap.InitRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		checks["redis"] = bootstrap.RedisHealth{Client: client}
		return ledger.NewRedis(client, cfg.Ledger.TTL, logger), client.Close, nil

	case config.LedgerBackendMemory:
		logger.Warn("Using the in-memory ledger; duplicates are only detected within this process")
		return ledger.NewMemory(), nil, nil

	default:
		logger.Warn("No ledger configured; redelivered tasks are processed again")
		return nil, nil, nil
	}
}

// initInstanceStaging returns one staging client per dispatcher instance. An FTP
// session carries one transfer at a time, so every instance past the first
// gets its own connection; the other backends share shared.
func initInstanceStaging(cfg *config.Config, shared *staging.Client, logger *slog.Logger) ([]*staging.Client, error) {
	clients := []*staging.Client{shared}
	for i := 1; i < cfg.Dispatcher.Instances; i++ {
		if cfg.Staging.Backend != config.StagingBackendFTP {
			clients = append(clients, shared)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err := bootstrap.InitStagingStore(ctx, &cfg.Staging, logger.With(slog.Int("instance", i)))
		cancel()
		if err != nil {
			for _, c := range clients {
				if c != shared {
					c.Close()
				}
			}
			return nil, err
		}
		clients = append(clients, staging.NewClient(store, staging.Config{Prefix: cfg.Staging.Prefix}, logger))
	}
	return clients, nil
}

func startOpsServer(cfg *config.Config, logger *slog.Logger, checks map[string]handler.HealthChecker) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           router.SetupOpsRouter(logger, cfg.App.Name, checks),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", srv.Addr))
	return srv
}
