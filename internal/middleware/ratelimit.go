package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/pkg/response"
)

// Counter is the subset of the redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

type RateLimiter struct {
	redis Counter
}

func NewRateLimiter(redisClient Counter) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit creates a fixed-window rate limiting middleware keyed by admin user.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next() // auth middleware runs first
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open: an unavailable redis must not block admins
			log.WithError(err).WithField("key", key).Warn("Rate limiter unavailable")
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			if ttl < 0 {
				ttl = window
			}
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", int(ttl.Seconds())))
			c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
			c.Set("X-RateLimit-Remaining", "0")
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// StreamLimit limits how many proxied streams an admin may open per hour.
func (rl *RateLimiter) StreamLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("stream", maxPerHour, time.Hour)
}

// JobLimit limits how many background refresh jobs an admin may queue per hour.
func (rl *RateLimiter) JobLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("job", maxPerHour, time.Hour)
}
