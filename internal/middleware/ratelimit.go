package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleveque/cover-service/internal/resilience"
)

// RateLimit returns per-API-key rate limiting middleware. It shares the
// token-bucket set type with the provider resilience layer: each key gets
// its own bucket, and an empty bucket is a 429, not a wait.
func RateLimit(limiters *resilience.Limiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ContextKeyAPIKey)
		if key == "" {
			// No API key means auth middleware didn't run; allow through
			c.Next()
			return
		}

		if !limiters.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
