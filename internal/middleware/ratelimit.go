package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimit applies a per-user sliding rate limit backed by Redis.
// Unauthenticated requests are keyed by client IP. Redis failures let the
// request through rather than taking the API down with the limiter.
func RateLimit(rdb *redis.Client, perMinute, burst int) gin.HandlerFunc {
	limiter := redis_rate.NewLimiter(rdb)
	if burst < 1 {
		burst = perMinute
	}
	limit := redis_rate.Limit{Rate: perMinute, Burst: burst, Period: time.Minute}

	return func(c *gin.Context) {
		key := c.GetString(CtxUserID)
		if key == "" {
			key = c.ClientIP()
		}

		res, err := limiter.Allow(c.Request.Context(), "ratelimit:"+key, limit)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed == 0 {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
