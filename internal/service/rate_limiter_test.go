package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	client.FlushDB(context.Background())
	return client
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	client := testRedis(t)
	limiter := NewRateLimiter(client, "redeem")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.CheckLimit(ctx, "tg:1", 3, 10*time.Second)
		assert.True(t, allowed, "attempt %d should be allowed", i+1)
	}

	allowed, resetAt := limiter.CheckLimit(ctx, "tg:1", 3, 10*time.Second)
	assert.False(t, allowed)
	assert.True(t, resetAt.After(time.Now()))

	allowed, _ = limiter.CheckLimit(ctx, "tg:2", 3, 10*time.Second)
	assert.True(t, allowed, "keys are independent")
}

func TestRateLimiter_FailsClosed(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	limiter := NewRateLimiter(client, "redeem")
	allowed, resetAt := limiter.CheckLimit(context.Background(), "tg:1", 5, time.Minute)
	assert.False(t, allowed)
	assert.True(t, resetAt.After(time.Now()))
}
