package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{4, 4 * time.Second},
		{7, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(tt.failures), "after %d failures", tt.failures)
	}
}

// commandCounter counts the commands sent by a redis client
type commandCounter struct {
	calls atomic.Int32
}

func (c *commandCounter) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (c *commandCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		c.calls.Add(1)
		return next(ctx, cmd)
	}
}

func (c *commandCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisClient_Subscribe_WaitsAfterFailure(t *testing.T) {
	// nothing listens on port 1, every read fails at once
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	counter := &commandCounter{}
	client.AddHook(counter)

	r := &RedisClient{client: client, list: DefaultListName}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var handled int
	err := r.Subscribe(ctx, func(TaskEvent) { handled++ })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, handled)
	assert.LessOrEqual(t, counter.calls.Load(), int32(1), "a failed read is not retried before the first backoff ends")
}
