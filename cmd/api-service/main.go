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
	"github.com/cuongbtq/taskrelay/internal/ledger"
	"github.com/cuongbtq/taskrelay/internal/metrics"
	"github.com/cuongbtq/taskrelay/internal/publisher"
	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig(flag.CommandLine, os.Args[1:], "API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	taskLedger := ledger.NewPostgres(dbClient.GetDB(), appLogger.Logger)
	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = taskLedger.EnsureSchema(schemaCtx)
	schemaCancel()
	if err != nil {
		return err
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	if err := metrics.RegisterBrokerGauge(rabbitClient.IsConnected); err != nil {
		return fmt.Errorf("failed to register broker gauge: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := bootstrap.InitStagingStore(initCtx, &cfg.Staging, appLogger.Logger)
	initCancel()
	if err != nil {
		return err
	}
	stagingClient := staging.NewClient(store, staging.Config{Prefix: cfg.Staging.Prefix}, appLogger.Logger)
	defer stagingClient.Close()

	appLogger.Info("Staging store connected", slog.String("backend", cfg.Staging.Backend))

	var taskTypes []string
	for taskType := range cfg.Dispatcher.Handlers {
		taskTypes = append(taskTypes, taskType)
	}

	pub := publisher.New(&publisher.Config{
		Logger:    appLogger.Logger,
		Staging:   stagingClient,
		Broker:    rabbitClient,
		Recorder:  taskLedger,
		TaskTypes: taskTypes,
	})

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:    appLogger.Logger,
		Service:   cfg.App.Name,
		Publisher: pub,
		Tasks:     taskLedger,
		Checks: map[string]handler.HealthChecker{
			"postgres": dbClient,
			"rabbitmq": rabbitClient,
		},
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
