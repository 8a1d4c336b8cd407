package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Limiter gates authenticated requests. Allow reports whether the call
// may proceed and, when it may not, how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// slidingWindowScript keeps one sorted set per caller, scored by request
// time in milliseconds. Prune, count, and admit happen atomically so
// concurrent requests cannot all slip under the limit together.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry = window
    if oldest[2] then
        retry = window - (now - tonumber(oldest[2]))
    end
    return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisLimiter is a fixed-rate sliding window over one minute.
type RedisLimiter struct {
	redis     *redis.Client
	perMinute int
	log       zerolog.Logger
}

func NewRedisLimiter(rdb *redis.Client, perMinute int, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		redis:     rdb,
		perMinute: perMinute,
		log:       logger.With().Str("component", "ratelimit").Logger(),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	window := time.Minute.Milliseconds()
	now := time.Now().UnixMilli()

	result, err := slidingWindowScript.Run(ctx, l.redis,
		[]string{"ratelimit:" + key},
		now, window, l.perMinute, uuid.New().String(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("rate limit script returned %T", result)
	}
	allowed := values[0].(int64) == 1
	retryMs := values[1].(int64)
	if retryMs < 0 {
		retryMs = 0
	}
	return allowed, time.Duration(retryMs) * time.Millisecond, nil
}
