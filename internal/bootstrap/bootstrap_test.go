package bootstrap

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/taskrelay/internal/config"
	"github.com/cuongbtq/taskrelay/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: taskrelay-test\n"), 0o600))

	t.Run("flag wins", func(t *testing.T) {
		cfg, err := LoadConfig(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config", path}, "TASKRELAY_TEST_CONFIG", "missing.yaml")
		require.NoError(t, err)
		assert.Equal(t, "taskrelay-test", cfg.App.Name)
	})

	t.Run("environment default", func(t *testing.T) {
		t.Setenv("TASKRELAY_TEST_CONFIG", path)
		cfg, err := LoadConfig(flag.NewFlagSet("test", flag.ContinueOnError), nil, "TASKRELAY_TEST_CONFIG", "missing.yaml")
		require.NoError(t, err)
		assert.Equal(t, "taskrelay-test", cfg.App.Name)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(flag.NewFlagSet("test", flag.ContinueOnError), nil, "TASKRELAY_TEST_CONFIG_UNSET", filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config")
	})
}

func TestRabbitMQConfig(t *testing.T) {
	var cfg config.Config
	cfg.RabbitMQ.Host = "rabbit"
	cfg.RabbitMQ.Queue.DeadLetterExchange = "dlx"
	cfg.RabbitMQ.Consumer.PrefetchCount = 3
	cfg.ApplyDefaults()

	rc := RabbitMQConfig(&cfg.RabbitMQ)
	assert.Equal(t, "rabbit", rc.Host)
	assert.Equal(t, 5672, rc.Port)
	assert.Equal(t, "user_tasks_exchange", rc.ExchangeName)
	assert.Equal(t, "federated_user_tasks_queue", rc.QueueName)
	assert.Equal(t, "user.task", rc.RoutingKey)
	assert.Equal(t, "dlx", rc.DeadLetterExchange)
	assert.Equal(t, 3, rc.PrefetchCount)
	assert.Equal(t, 5*time.Second, rc.ConfirmTimeout)
}

func TestStagingConfigs(t *testing.T) {
	ftp := FTPConfig(&config.FTPConfig{Host: "ftp.local", Port: 2121, User: "u", Root: "/upload"})
	assert.Equal(t, "ftp.local:2121", ftp.Addr)
	assert.Equal(t, "/upload", ftp.Root)

	s3 := S3Config(&config.S3Config{Endpoint: "minio:9000", Bucket: "tasks"})
	assert.Equal(t, "minio:9000", s3.Endpoint)
	assert.Equal(t, "tasks", s3.Bucket)
}

func TestInitStagingStore_UnknownBackend(t *testing.T) {
	_, err := InitStagingStore(context.Background(), &config.StagingConfig{Backend: "nfs"}, logger.Discard())
	assert.Error(t, err)
}

func TestInitRedisAndHealth(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := InitRedis(&config.RedisConfig{Addr: mr.Addr()}, logger.Discard())
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, RedisHealth{Client: client}.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, RedisHealth{Client: client}.HealthCheck(context.Background()))
}
