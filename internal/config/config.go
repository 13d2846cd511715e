package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Staging backends
const (
	StagingBackendFTP = "ftp"
	StagingBackendS3  = "s3"
)

// Ledger backends
const (
	LedgerBackendPostgres = "postgres"
	LedgerBackendRedis    = "redis"
	LedgerBackendMemory   = "memory"
	LedgerBackendNone     = "none"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Staging    StagingConfig    `yaml:"staging"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	App        AppConfig        `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadBytes limits the size of a submitted payload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
	// DeadLetterExchange receives rejected task messages; empty disables dead-lettering.
	DeadLetterExchange   string `yaml:"dead_letter_exchange"`
	DeadLetterRoutingKey string `yaml:"dead_letter_routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	Heartbeat            time.Duration `yaml:"heartbeat"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds publisher confirm settings
type PublishConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	TagPrefix     string `yaml:"tag_prefix"`
}

// StagingConfig selects and configures the staging store
type StagingConfig struct {
	Backend string        `yaml:"backend"`
	Prefix  string        `yaml:"prefix"`
	WorkDir string        `yaml:"work_dir"`
	FTP     FTPConfig     `yaml:"ftp"`
	S3      S3Config      `yaml:"s3"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// FTPConfig holds FTP staging settings
type FTPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Root        string        `yaml:"root"`
	Timeout     time.Duration `yaml:"timeout"`
	DisableEPSV bool          `yaml:"disable_epsv"`
}

// S3Config holds S3/MinIO staging settings
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CleanupConfig decides what happens to payloads of acknowledged tasks
type CleanupConfig struct {
	Policy        string        `yaml:"policy"` // retain, delete, expire
	ExpireAfter   time.Duration `yaml:"expire_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LedgerConfig selects the task ledger
type LedgerConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"` // redis only
}

// DispatcherConfig holds worker-side dispatcher settings
type DispatcherConfig struct {
	Instances       int           `yaml:"instances"`
	FetchRetries    int           `yaml:"fetch_retries"`
	FetchBackoff    time.Duration `yaml:"fetch_backoff"`
	FetchBackoffMax time.Duration `yaml:"fetch_backoff_max"`
	// FetchBackoffJitter spreads each fetch delay by up to this fraction
	FetchBackoffJitter float64           `yaml:"fetch_backoff_jitter"`
	TaskTimeout        time.Duration     `yaml:"task_timeout"`
	ShutdownTimeout    time.Duration     `yaml:"shutdown_timeout"`
	ResubscribeDelay   time.Duration     `yaml:"resubscribe_delay"`
	Handlers           map[string]string `yaml:"handlers"` // task_type_id -> handler name
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
}

// MetricsConfig holds the worker's metrics/health listener
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset fields. Exchange, queue and routing key default to
// the names producers and consumers already agree on.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Server.MaxUploadBytes, 512<<20)

	setDefault(&c.RabbitMQ.Port, 5672)
	setDefault(&c.RabbitMQ.VHost, "/")
	setDefault(&c.RabbitMQ.Exchange.Name, "user_tasks_exchange")
	setDefault(&c.RabbitMQ.Exchange.Type, "topic")
	setDefault(&c.RabbitMQ.Queue.Name, "federated_user_tasks_queue")
	setDefault(&c.RabbitMQ.RoutingKey, "user.task")
	setDefault(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.ReconnectMaxInterval, 30*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Connection.ConnectionTimeout, 30*time.Second)
	setDefault(&c.RabbitMQ.Publish.ConfirmTimeout, 5*time.Second)
	setDefault(&c.RabbitMQ.Consumer.PrefetchCount, 1)
	setDefault(&c.RabbitMQ.Consumer.TagPrefix, "dispatcher")

	setDefault(&c.Staging.Backend, StagingBackendFTP)
	setDefault(&c.Staging.Prefix, "tasks")
	setDefault(&c.Staging.WorkDir, os.TempDir())
	setDefault(&c.Staging.FTP.Port, 21)
	setDefault(&c.Staging.FTP.Timeout, 30*time.Second)
	setDefault(&c.Staging.Cleanup.Policy, "retain")
	setDefault(&c.Staging.Cleanup.ExpireAfter, 7*24*time.Hour)
	setDefault(&c.Staging.Cleanup.SweepInterval, time.Hour)

	setDefault(&c.Ledger.Backend, LedgerBackendPostgres)
	setDefault(&c.Ledger.TTL, 7*24*time.Hour)

	setDefault(&c.Dispatcher.Instances, 1)
	setDefault(&c.Dispatcher.FetchRetries, 3)
	setDefault(&c.Dispatcher.FetchBackoff, time.Second)
	setDefault(&c.Dispatcher.FetchBackoffMax, 30*time.Second)
	setDefault(&c.Dispatcher.FetchBackoffJitter, 0.5)
	setDefault(&c.Dispatcher.TaskTimeout, 10*time.Minute)
	setDefault(&c.Dispatcher.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Dispatcher.ResubscribeDelay, time.Second)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
	setDefault(&c.Logging.Output, "stdout")

	setDefault(&c.Metrics.Port, 9090)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	return c.ValidateStagingConfig()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.ValidateStagingConfig(); err != nil {
		return err
	}

	switch c.Ledger.Backend {
	case LedgerBackendPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case LedgerBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis ledger")
		}
	case LedgerBackendMemory, LedgerBackendNone:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Dispatcher.Instances <= 0 {
		return fmt.Errorf("dispatcher instances must be greater than 0")
	}

	if c.Dispatcher.FetchRetries <= 0 {
		return fmt.Errorf("dispatcher fetch_retries must be greater than 0")
	}

	if c.Dispatcher.FetchBackoffJitter < 0 || c.Dispatcher.FetchBackoffJitter >= 1 {
		return fmt.Errorf("dispatcher fetch_backoff_jitter must be in [0, 1): %g", c.Dispatcher.FetchBackoffJitter)
	}

	if c.Dispatcher.TaskTimeout <= 0 {
		return fmt.Errorf("dispatcher task_timeout must be greater than 0")
	}

	if c.Dispatcher.ShutdownTimeout <= 0 {
		return fmt.Errorf("dispatcher shutdown_timeout must be greater than 0")
	}

	if len(c.Dispatcher.Handlers) == 0 {
		return fmt.Errorf("dispatcher handlers must map at least one task type")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateStagingConfig checks the staging backend and cleanup policy
func (c *Config) ValidateStagingConfig() error {
	switch c.Staging.Backend {
	case StagingBackendFTP:
		if c.Staging.FTP.Host == "" {
			return fmt.Errorf("staging ftp host is required")
		}
		if c.Staging.FTP.Port < MinPort || c.Staging.FTP.Port > MaxPort {
			return fmt.Errorf("invalid staging ftp port: %d (must be between %d and %d)", c.Staging.FTP.Port, MinPort, MaxPort)
		}
	case StagingBackendS3:
		if c.Staging.S3.Endpoint == "" {
			return fmt.Errorf("staging s3 endpoint is required")
		}
		if c.Staging.S3.Bucket == "" {
			return fmt.Errorf("staging s3 bucket is required")
		}
	default:
		return fmt.Errorf("unknown staging backend %q (want ftp or s3)", c.Staging.Backend)
	}

	switch c.Staging.Cleanup.Policy {
	case "retain", "delete":
	case "expire":
		if c.Staging.Cleanup.ExpireAfter <= 0 {
			return fmt.Errorf("staging cleanup expire_after must be greater than 0")
		}
		if c.Staging.Cleanup.SweepInterval <= 0 {
			return fmt.Errorf("staging cleanup sweep_interval must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown staging cleanup policy %q", c.Staging.Cleanup.Policy)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.RoutingKey == "" {
		return fmt.Errorf("rabbitmq routing key is required")
	}

	return nil
}
