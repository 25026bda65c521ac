package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter counts requests per fixed window in redis so every
// gateway replica shares one budget per client
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a redis-backed limiter allowing
// RequestsPerWindow+BurstSize requests per WindowDuration
func NewDistributedRateLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "takgate:ratelimit"
	}
	return &DistributedRateLimiter{redis: client, config: config, prefix: prefix}
}

// Config implements Limiter
func (rl *DistributedRateLimiter) Config() *RateLimitConfig { return rl.config }

func (rl *DistributedRateLimiter) key(key string) string {
	return rl.prefix + ":" + key
}

// Allow increments key's window counter. The expiry is set only when the
// counter is created so the window does not slide with every request.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.key(key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit window: %w", err)
		}
	}

	limit := int64(rl.config.limit())
	if count <= limit {
		return Decision{Allowed: true, Remaining: int(limit - count)}, nil
	}

	ttl, err := rl.redis.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		// a counter without expiry would lock the client out for good
		if ttl == -1 {
			rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration)
		}
		ttl = rl.config.WindowDuration
	}
	return Decision{RetryAfter: ttl}, nil
}

// Reset clears the window for key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}
