package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/pkg/errors"
)

// RateLimiter is a fixed one-minute window per client IP, counted in Redis so
// all replicas share it. Redis failures let the request through.
type RateLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	log         *zap.Logger
}

func NewRateLimiter(client *redis.Client, maxRequestsPerMinute int, log *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client:      client,
		maxRequests: maxRequestsPerMinute,
		window:      time.Minute,
		log:         log,
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.client == nil || rl.maxRequests <= 0 {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := fmt.Sprintf("ratelimit:%s:%d", c.ClientIP(), time.Now().Unix()/int64(rl.window.Seconds()))

		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window)
		if _, err := pipe.Exec(ctx); err != nil {
			rl.log.Warn("Rate limit check failed, allowing request", zap.Error(err))
			c.Next()
			return
		}

		count := incr.Val()
		remaining := int64(rl.maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.maxRequests) {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			errors.TooManyRequests(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
