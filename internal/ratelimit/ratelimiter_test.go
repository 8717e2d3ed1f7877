package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

// newTestLimiter returns a limiter on a frozen clock and a way to advance it
func newTestLimiter(client *redis.Client) (*RateLimiter, func(time.Duration)) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(client)
	limiter.now = func() time.Time { return now }
	return limiter, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_AllowWithDetails(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter, _ := newTestLimiter(client)
		ctx := context.Background()
		limit := 5

		for i := 0; i < 5; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "binding-1", limit, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, limit-i-1, remaining)
			assert.False(t, resetAt.IsZero())
		}
	})

	t.Run("blocks requests over limit without consuming capacity", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter, _ := newTestLimiter(client)
		ctx := context.Background()
		limit := 3

		for i := 0; i < 3; i++ {
			allowed, err := limiter.Allow(ctx, "binding-2", limit, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		for i := 0; i < 3; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "binding-2", limit, time.Minute)
			require.NoError(t, err)
			assert.False(t, allowed)
			assert.Equal(t, 0, remaining)
			assert.False(t, resetAt.IsZero())
		}

		usage, err := limiter.GetCurrentUsage(ctx, "binding-2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(3), usage)
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter, _ := newTestLimiter(client)
		ctx := context.Background()

		for i := 0; i < 100; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "binding-unlimited", 0, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, -1, remaining) // -1 indicates unlimited
			assert.True(t, resetAt.IsZero())
		}
	})

	t.Run("window slides", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter, advance := newTestLimiter(client)
		ctx := context.Background()

		allowed, _, firstReset, err := limiter.AllowWithDetails(ctx, "binding-slide", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)

		advance(30 * time.Second)
		allowed, _, _, err = limiter.AllowWithDetails(ctx, "binding-slide", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, _, resetAt, err := limiter.AllowWithDetails(ctx, "binding-slide", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, firstReset, resetAt)

		// the first request leaves the window, the second is still inside it
		advance(31 * time.Second)
		allowed, remaining, _, err := limiter.AllowWithDetails(ctx, "binding-slide", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 0, remaining)
	})
}

func TestRateLimiter_Reset(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter, _ := newTestLimiter(client)
	ctx := context.Background()
	limit := 2

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "binding-reset", limit, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "binding-reset", limit, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, limiter.Reset(ctx, "binding-reset"))

	allowed, remaining, _, err := limiter.AllowWithDetails(ctx, "binding-reset", limit, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, limit-1, remaining)
}

func TestRateLimiter_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	mr.Close()

	limiter, _ := newTestLimiter(client)
	_, err := limiter.Allow(context.Background(), "binding-down", 1, time.Minute)
	assert.Error(t, err)
}

func TestNoopLimiter(t *testing.T) {
	limiter := NewNoopLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, err := limiter.Allow(ctx, "any-key", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
