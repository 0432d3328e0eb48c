// Package handler contains HTTP request handlers.
// In Gin, a handler is any function with signature func(*gin.Context).
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StorageStatus reports whether the object store can be written and read.
type StorageStatus interface {
	IsUploadAvailable() bool
	IsReadAvailable() bool
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	storage StorageStatus
}

// NewHealthHandler creates a new HealthHandler. storage may be nil.
func NewHealthHandler(storage StorageStatus) *HealthHandler {
	return &HealthHandler{storage: storage}
}

// Healthz responds with service status. A store that cannot take uploads
// is reported but still healthy: resolution falls back to hotlinks.
func (h *HealthHandler) Healthz(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"service": "cover-service",
	}
	if h.storage != nil {
		body["storage"] = gin.H{
			"upload": h.storage.IsUploadAvailable(),
			"read":   h.storage.IsReadAvailable(),
		}
	}
	c.JSON(http.StatusOK, body)
}
