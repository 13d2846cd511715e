// Command task-submit stages one payload file and publishes a task for it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuongbtq/taskrelay/internal/bootstrap"
	"github.com/cuongbtq/taskrelay/internal/publisher"
	"github.com/cuongbtq/taskrelay/internal/staging"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	filePath := flag.String("file", "", "Payload file to submit")
	owner := flag.String("owner", "", "task_owner of the new task")
	taskType := flag.String("type", "", "task_type_id of the new task")
	timeout := flag.Duration("timeout", 5*time.Minute, "Upper bound for staging and publishing")

	cfg, err := bootstrap.LoadConfig(flag.CommandLine, os.Args[1:], "API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if *filePath == "" || *owner == "" || *taskType == "" {
		flag.Usage()
		return errors.New("-file, -owner and -type are required")
	}

	if err := cfg.ValidateStagingConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	f, err := os.Open(*filePath)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	store, err := bootstrap.InitStagingStore(ctx, &cfg.Staging, appLogger.Logger)
	if err != nil {
		return err
	}
	stagingClient := staging.NewClient(store, staging.Config{Prefix: cfg.Staging.Prefix}, appLogger.Logger)
	defer stagingClient.Close()

	pub := publisher.New(&publisher.Config{
		Logger:  appLogger.Logger,
		Staging: stagingClient,
		Broker:  rabbitClient,
	})

	taskID, err := pub.Publish(ctx, f, filepath.Base(*filePath), *owner, *taskType)
	if err != nil {
		var perr *publisher.PublishError
		if errors.As(err, &perr) && perr.FileReference != "" {
			appLogger.Warn("Payload left on the staging store",
				slog.String("file_reference", perr.FileReference),
			)
		}
		return err
	}

	fmt.Println(taskID)
	return nil
}
