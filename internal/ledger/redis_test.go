package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/taskrelay/shared/logger"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLedger(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, ttl, logger.Discard()), mr
}

func TestRedis_MarkCompleted(t *testing.T) {
	l, mr := newRedisLedger(t, 24*time.Hour)
	ctx := context.Background()

	done, err := l.IsCompleted(ctx, testMessage.TaskID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.MarkFailed(ctx, testMessage, "fetch failed"))
	reason, err := l.FailureReason(ctx, testMessage.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "fetch failed", reason)

	require.NoError(t, l.MarkCompleted(ctx, testMessage))

	done, err = l.IsCompleted(ctx, testMessage.TaskID)
	require.NoError(t, err)
	assert.True(t, done)

	reason, err = l.FailureReason(ctx, testMessage.TaskID)
	require.NoError(t, err)
	assert.Empty(t, reason, "completion clears the failure reason")

	assert.Equal(t, 24*time.Hour, mr.TTL(completedKeyPrefix+testMessage.TaskID))
}

func TestRedis_CompletionExpires(t *testing.T) {
	l, mr := newRedisLedger(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, l.MarkCompleted(ctx, testMessage))
	mr.FastForward(2 * time.Hour)

	done, err := l.IsCompleted(ctx, testMessage.TaskID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRedis_Unavailable(t *testing.T) {
	l, mr := newRedisLedger(t, time.Hour)
	mr.Close()

	_, err := l.IsCompleted(context.Background(), testMessage.TaskID)
	assert.Error(t, err)
	assert.Error(t, l.MarkCompleted(context.Background(), testMessage))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.MarkFailed(ctx, testMessage, "boom"))
	got, ok := m.Get(testMessage.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)

	require.NoError(t, m.MarkCompleted(ctx, testMessage))
	first, _ := m.Get(testMessage.TaskID)
	require.NotNil(t, first.CompletedAt)

	require.NoError(t, m.MarkFailed(ctx, testMessage, "late failure"))
	require.NoError(t, m.MarkCompleted(ctx, testMessage))

	got, _ = m.Get(testMessage.TaskID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, first.CompletedAt, got.CompletedAt)

	done, err := m.IsCompleted(ctx, testMessage.TaskID)
	require.NoError(t, err)
	assert.True(t, done)
}
