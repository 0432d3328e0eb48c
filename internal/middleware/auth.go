// Package middleware contains Gin middleware functions.
// Middleware in Gin is a handler that runs before (or after) your route handler.
// It calls c.Next() to proceed or c.Abort() to stop the chain.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyAPIKey is where auth stores the caller's key for later
// middleware (rate limiting).
const ContextKeyAPIKey = "api_key"

// KeySet is a set of accepted keys. struct{} values take no memory.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys, ignoring blanks.
func NewKeySet(keys []string) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// Has reports whether key is in the set.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// requestKey reads the key from the X-API-Key header or the api_key query
// param (the query param is needed for <img src="...?api_key=xxx">).
func requestKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	return c.Query("api_key")
}

// keyAuth is the shared body of both auth middlewares; only the wording and
// the status for a wrong key differ.
func keyAuth(keys KeySet, label string, invalidStatus int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := requestKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + label})
			return
		}
		if !keys.Has(key) {
			c.AbortWithStatusJSON(invalidStatus, gin.H{"error": "invalid " + label})
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

// APIKeyAuth returns middleware that validates read API keys.
func APIKeyAuth(validKeys []string) gin.HandlerFunc {
	return keyAuth(NewKeySet(validKeys), "API key", http.StatusUnauthorized)
}

// AdminKeyAuth returns middleware that validates admin API keys. A wrong
// key is 403: the caller authenticated, just not as an admin.
func AdminKeyAuth(adminKeys []string) gin.HandlerFunc {
	return keyAuth(NewKeySet(adminKeys), "admin API key", http.StatusForbidden)
}
