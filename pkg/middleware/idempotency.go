package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const idempotencyKeyHeader = "Idempotency-Key"
const idempotencyTTL = 24 * time.Hour

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored 2xx response for a repeated
// Idempotency-Key on POST. A retried escalate request therefore gets the
// original spoken result instead of placing a second call.
func IdempotencyMiddleware(redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyKeyHeader)
		if redisClient == nil || key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		cacheKey := "idempotency:" + hashIdempotencyKey(c.FullPath()+"|"+key)
		ctx := c.Request.Context()

		if val, err := redisClient.Get(ctx, cacheKey).Result(); err == nil && val != "" {
			c.Header("X-Idempotency-Key-Used", "true")
			c.Data(http.StatusOK, "application/json", []byte(val))
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if status := w.Status(); status >= 200 && status < 300 && w.body.Len() > 0 {
			redisClient.Set(ctx, cacheKey, w.body.String(), idempotencyTTL)
		}
	}
}

func hashIdempotencyKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
