// Package bootstrap turns configuration sections into connected clients for the
// service binaries.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cuongbtq/taskrelay/internal/config"
	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/cuongbtq/taskrelay/internal/staging/ftpstore"
	"github.com/cuongbtq/taskrelay/internal/staging/s3store"
	"github.com/cuongbtq/taskrelay/shared/logger"
	"github.com/cuongbtq/taskrelay/shared/postgresql"
	"github.com/cuongbtq/taskrelay/shared/rabbitmq"
	"github.com/cuongbtq/taskrelay/shared/redis"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
)

// LoadConfig loads .env if present, parses -config (defaulting to $envVar, then
// fallback) and loads the file.
func LoadConfig(fs *flag.FlagSet, args []string, envVar, fallback string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv(envVar)
	if defaultConfigPath == "" {
		defaultConfigPath = fallback
	}
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		MaxSizeMB:    cfg.MaxSizeMB,
		MaxBackups:   cfg.MaxBackups,
		MaxAgeDays:   cfg.MaxAgeDays,
	})
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(PostgreSQLConfig(cfg), logger)
}

// PostgreSQLConfig maps the database section onto the client config
func PostgreSQLConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}
}

// InitRabbitMQ initializes the RabbitMQ connection manager
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// RabbitMQConfig maps the rabbitmq section onto the client config
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		User:                 cfg.User,
		Password:             cfg.Password,
		VHost:                cfg.VHost,
		ExchangeName:         cfg.Exchange.Name,
		ExchangeType:         cfg.Exchange.Type,
		ExchangeDurable:      cfg.Exchange.Durable,
		ExchangeAutoDelete:   cfg.Exchange.AutoDelete,
		QueueName:            cfg.Queue.Name,
		QueueDurable:         cfg.Queue.Durable,
		QueueAutoDelete:      cfg.Queue.AutoDelete,
		QueueExclusive:       cfg.Queue.Exclusive,
		RoutingKey:           cfg.RoutingKey,
		DeadLetterExchange:   cfg.Queue.DeadLetterExchange,
		DeadLetterRoutingKey: cfg.Queue.DeadLetterRoutingKey,
		RetryAttempts:        cfg.Connection.RetryAttempts,
		RetryInterval:        cfg.Connection.RetryInterval,
		ReconnectMaxInterval: cfg.Connection.ReconnectMaxInterval,
		ReconnectMaxAttempts: cfg.Connection.ReconnectMaxAttempts,
		Heartbeat:            cfg.Connection.Heartbeat,
		ConnectionTimeout:    cfg.Connection.ConnectionTimeout,
		ConfirmTimeout:       cfg.Publish.ConfirmTimeout,
		PrefetchCount:        cfg.Consumer.PrefetchCount,
	}
}

// InitRedis initializes the Redis client used by the redis ledger
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*goredis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// InitStagingStore connects the configured staging backend
func InitStagingStore(ctx context.Context, cfg *config.StagingConfig, logger *slog.Logger) (staging.Store, error) {
	switch cfg.Backend {
	case config.StagingBackendFTP:
		store, err := ftpstore.New(ctx, FTPConfig(&cfg.FTP), logger.With(slog.String("backend", "ftp")))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to FTP staging: %w", err)
		}
		return store, nil
	case config.StagingBackendS3:
		store, err := s3store.New(ctx, S3Config(&cfg.S3), logger.With(slog.String("backend", "s3")))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to S3 staging: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown staging backend %q", cfg.Backend)
	}
}

// FTPConfig maps the staging.ftp section onto the store config
func FTPConfig(cfg *config.FTPConfig) ftpstore.Config {
	return ftpstore.Config{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		User:        cfg.User,
		Password:    cfg.Password,
		Root:        cfg.Root,
		Timeout:     cfg.Timeout,
		DisableEPSV: cfg.DisableEPSV,
	}
}

// S3Config maps the staging.s3 section onto the store config
func S3Config(cfg *config.S3Config) s3store.Config {
	return s3store.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	}
}

// RedisHealth adapts a go-redis client to the health endpoint
type RedisHealth struct {
	Client *goredis.Client
}

func (h RedisHealth) HealthCheck(ctx context.Context) error {
	if err := h.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
