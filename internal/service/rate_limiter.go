package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/novamd/bridge-server-go/internal/redis"
)

// slidingWindowScript trims the window, counts, and records the attempt atomically.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = now + window
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return {1, now + window}
`)

// AttemptLimiter bounds how often a key may perform an action.
type AttemptLimiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// RateLimiter is a Redis-backed sliding window shared by every replica.
type RateLimiter struct {
	client redis.Scripter
	scope  string
}

func NewRateLimiter(client redis.Scripter, scope string) *RateLimiter {
	return &RateLimiter{client: client, scope: scope}
}

// CheckLimit records one attempt for key. Redis failures deny the attempt.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now().Unix()

	result, err := slidingWindowScript.Run(
		ctx,
		rl.client,
		[]string{redisclient.RateLimitKey(rl.scope, key)},
		now,
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("scope", rl.scope).
			Str("key", key).
			Msg("rate limit check failed, denying attempt")
		return false, time.Now().Add(window)
	}

	if len(result) != 2 {
		log.Warn().Str("scope", rl.scope).Str("key", key).Msg("unexpected rate limit result, denying attempt")
		return false, time.Now().Add(window)
	}

	return result[0] == 1, time.Unix(result[1], 0)
}
