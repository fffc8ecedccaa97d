package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/errs"
)

// RateLimiter is a fixed-window request counter shared by every
// instance through Redis.
type RateLimiter struct {
	Redis  *redis.Client
	Prefix string
	Limit  int // requests
	Window time.Duration
	logger *zap.SugaredLogger
}

func NewRateLimiter(r *redis.Client, prefix string, limit int, window time.Duration, logger *zap.SugaredLogger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RateLimiter{Redis: r, Prefix: prefix, Limit: limit, Window: window, logger: logger}
}

// Allow counts one request for key. remaining is how long the current
// window still runs when the limit is exceeded.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("%s:ratelimit:%s", r.Prefix, key)
	count, err := r.Redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		r.Redis.Expire(ctx, redisKey, r.Window)
	}
	if count <= int64(r.Limit) {
		return true, 0, nil
	}
	ttl, err := r.Redis.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = r.Window
	}
	return false, ttl, nil
}

// MiddlewareByKey limits requests grouped by keyFunc. When Redis is
// unreachable requests pass through.
func (r *RateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if r.Limit <= 0 {
			return c.Next()
		}
		key := keyFunc(c)
		ok, retry, err := r.Allow(c.UserContext(), key)
		if err != nil {
			r.logger.Warnw("rate limiter unavailable", "key", key, "err", err)
			return c.Next()
		}
		if !ok {
			secs := int(retry.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			return fmt.Errorf("%w: %s", errs.ErrRateLimited, key)
		}
		return c.Next()
	}
}
