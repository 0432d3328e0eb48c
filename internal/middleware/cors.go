package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS returns middleware that lets catalogue frontends on other origins
// read cover descriptors. A "*" entry allows any origin. Preflight OPTIONS
// requests end here with 204.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	origins := NewKeySet(allowedOrigins)
	anyOrigin := origins.Has("*")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Header("Vary", "Origin")

		if origin != "" && (anyOrigin || origins.Has(origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "X-API-Key, Content-Type")
			// The image endpoint answers with a redirect; clients read its target.
			c.Header("Access-Control-Expose-Headers", "Location")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
