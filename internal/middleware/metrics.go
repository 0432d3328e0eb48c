package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleveque/cover-service/internal/metrics"
)

// Metrics records request count and latency per matched route. Unmatched
// requests are grouped under "unmatched" so random paths can't blow up
// label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
