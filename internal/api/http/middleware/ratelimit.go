package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RateLimiter counts requests per client in fixed Redis windows. When Redis
// is unavailable requests are let through.
type RateLimiter struct {
	client redis.UniversalClient
}

func NewRateLimiter(client redis.UniversalClient) *RateLimiter {
	return &RateLimiter{client: client}
}

// Limit allows limit requests per window for each caller. Authenticated
// callers are keyed by account, others by client IP.
func (rl *RateLimiter) Limit(scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString(AccountIDKey)
		if caller == "" {
			caller = c.ClientIP()
		}
		key := fmt.Sprintf("rate-limit:%s:%s", scope, caller)
		ctx := c.Request.Context()

		count, err := rl.client.Incr(ctx, key).Result()
		if err != nil {
			slog.Warn("Rate limiter unavailable, allowing request", "scope", scope, "error", err)
			c.Next()
			return
		}
		if count == 1 {
			if err := rl.client.Expire(ctx, key, window).Err(); err != nil {
				slog.Warn("Failed to set rate limit window", "scope", scope, "error", err)
			}
		}

		if count > int64(limit) {
			ttl, err := rl.client.TTL(ctx, key).Result()
			if err != nil || ttl < 0 {
				ttl = window
			}
			c.Header("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			slog.Warn("Rate limit exceeded", "scope", scope, "caller", caller)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
