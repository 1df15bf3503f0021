package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig bounds how many requests one key may make per window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult is the outcome of one limiter check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow prunes, counts and conditionally records in one round trip
// so concurrent callers on the same key cannot both take the last slot.
// Scores are unix microseconds and stay strings on the Lua side.
//
// KEYS[1] window key
// ARGV[1] now, ARGV[2] cutoff, ARGV[3] limit, ARGV[4] n, ARGV[5] ttl ms
var slidingWindow = redis.NewScript(`
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1] .. ':' .. (count + i))
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + n}
`)

// RateLimiter is a sliding window limiter over Redis sorted sets. One
// instance serves both the operator API and the public tracking routes.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN records n requests for key when all of them fit in the window.
// A rejected call records nothing.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	ttl := r.config.Window + time.Second

	raw, err := slidingWindow.Run(ctx, r.client.rdb, []string{"bulletin:ratelimit:" + key},
		now.UnixMicro(),
		now.Add(-r.config.Window).UnixMicro(),
		r.config.Limit,
		n,
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(raw))
	}

	allowed := raw[0] == 1
	count := int(raw[1])
	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
