package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/voxnote/bot/pkg/response"
)

// RateLimiter is a fixed-window counter in redis. A nil client allows
// everything.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

func rateKey(prefix, id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", prefix, id)
}

// Allow counts one event for id and reports whether it is within max per
// window.
func (rl *RateLimiter) Allow(ctx context.Context, prefix, id string, max int, window time.Duration) (bool, error) {
	_, ok, err := rl.hit(ctx, rateKey(prefix, id), max, window)
	return ok, err
}

func (rl *RateLimiter) hit(ctx context.Context, key string, max int, window time.Duration) (int64, bool, error) {
	if rl == nil || rl.redis == nil || max <= 0 {
		return 0, true, nil
	}

	count, err := rl.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, true, err
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
			return count, true, err
		}
	}
	return count, count <= int64(max), nil
}

// Limit rate limits HTTP requests per operator, or per client IP on
// unauthenticated routes.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := GetUserID(c)
		if id == "" {
			id = c.IP()
		}
		key := rateKey(keyPrefix, id)

		count, ok, err := rl.hit(c.UserContext(), key, maxRequests, window)
		if err != nil {
			// redis trouble never blocks the API
			return c.Next()
		}
		if !ok {
			ttl, _ := rl.redis.TTL(c.UserContext(), key).Result()
			c.Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		if rl != nil && rl.redis != nil && maxRequests > 0 {
			c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
			c.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(maxRequests)-count, 10))
		}
		return c.Next()
	}
}
