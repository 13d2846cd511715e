package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrelay/internal/task"
	goredis "github.com/redis/go-redis/v9"
)

const (
	completedKeyPrefix = "task:completed:"
	failedKeyPrefix    = "task:failed:"
)

// Redis marks completed task ids with expiring keys. Redeliveries older than
// the TTL are no longer recognized.
type Redis struct {
	client *goredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis ledger; a zero ttl keeps keys forever
func NewRedis(client *goredis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func (r *Redis) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	n, err := r.client.Exists(ctx, completedKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check task status: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) MarkCompleted(ctx context.Context, msg task.Message) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, completedKeyPrefix+msg.TaskID, time.Now().UTC().Format(time.RFC3339Nano), r.ttl)
	pipe.Del(ctx, failedKeyPrefix+msg.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}

	r.logger.Debug("Task marked completed", slog.String("task_id", msg.TaskID))
	return nil
}

// MarkFailed keeps the last failure reason next to the completion marker.
func (r *Redis) MarkFailed(ctx context.Context, msg task.Message, reason string) error {
	if err := r.client.Set(ctx, failedKeyPrefix+msg.TaskID, reason, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// FailureReason returns the recorded failure reason, or "" if none.
func (r *Redis) FailureReason(ctx context.Context, taskID string) (string, error) {
	reason, err := r.client.Get(ctx, failedKeyPrefix+taskID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get failure reason: %w", err)
	}
	return reason, nil
}
