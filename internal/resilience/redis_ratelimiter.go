package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements distributed ingest rate limiting using Redis
// sorted sets. Each request is stored as a member with its timestamp as
// the score, giving a precise sliding window shared by every relay
// instance behind the same token.
//
// Algorithm (atomic via Lua):
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
//
// Falls back to the in-memory limiter when Redis is unavailable: ingest
// must keep accepting events through a Redis outage.
type RedisLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *MemoryLimiter
	logger   *slog.Logger
}

// RedisLimiterConfig holds configuration for the Redis limiter.
type RedisLimiterConfig struct {
	Window time.Duration // sliding window size (default: 1 second)
}

func DefaultRedisLimiterConfig() RedisLimiterConfig {
	return RedisLimiterConfig{
		Window: time.Second,
	}
}

func NewRedisLimiter(client *redis.Client, config RedisLimiterConfig, logger *slog.Logger) *RedisLimiter {
	if config.Window == 0 {
		config.Window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisLimiter{
		client:   client,
		window:   config.Window,
		fallback: NewMemoryLimiter(DefaultRateLimiterConfig()),
		logger:   logger,
	}
}

// slidingWindowScript atomically checks and updates the window.
// Returns 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

// Allow implements IngestLimiter.
func (r *RedisLimiter) Allow(ctx context.Context, token string, limit int) (bool, error) {
	key := fmt.Sprintf("ingestlimit:%s", token)
	now := time.Now().UnixMilli()
	windowMs := r.window.Milliseconds()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%1000000)

	result, err := slidingWindowScript.Run(ctx, r.client, []string{key}, now, windowMs, limit, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback", "error", err)
		return r.fallback.Allow(ctx, token, limit)
	}

	return result == 1, nil
}

// Close closes the Redis client connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
