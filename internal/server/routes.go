// Package server configures the HTTP server and routes.
package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/config"
	"github.com/fleveque/cover-service/internal/handler"
	"github.com/fleveque/cover-service/internal/metrics"
	"github.com/fleveque/cover-service/internal/middleware"
	"github.com/fleveque/cover-service/internal/resilience"
)

// CoverService is everything the handlers need from the service layer.
// *service.CoverService implements it.
type CoverService interface {
	handler.CoverReader
	handler.CoverResolver
}

// Deps are the wired components the routes depend on.
type Deps struct {
	Covers CoverService
	Stats  handler.StatsSource
	// Storage is reported by /healthz; nil omits it.
	Storage handler.StorageStatus
	// ObjectDir, when set, is served under /objects so locally stored
	// covers resolve at the default public base URL.
	ObjectDir string
}

// RegisterRoutes sets up all HTTP routes on the Gin engine.
// Dependencies are passed explicitly; each handler gets exactly what it needs.
func RegisterRoutes(r *gin.Engine, cfg *config.Config, deps Deps, logger *zap.Logger) {
	healthHandler := handler.NewHealthHandler(deps.Storage)
	coverHandler := handler.NewCoverHandler(deps.Covers, cfg.Covers.PlaceholderURL, logger)
	adminHandler := handler.NewAdminHandler(deps.Covers, deps.Stats, logger)

	// Public endpoints (no auth)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if deps.ObjectDir != "" {
		r.Static("/objects", deps.ObjectDir)
	}

	// CORS middleware applies to the entire API group.
	api := r.Group("/api/v1")
	api.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	// Group middleware only runs on matched routes, so preflights need one.
	api.OPTIONS("/*path", func(c *gin.Context) {})

	// Authenticated API endpoints
	authed := api.Group("")
	authed.Use(middleware.APIKeyAuth(cfg.Auth.APIKeys))
	authed.Use(middleware.RateLimit(resilience.NewLimiters(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)))
	{
		authed.GET("/covers", coverHandler.ListCovers)
		authed.GET("/covers/:itemId", coverHandler.GetCover)
		authed.GET("/covers/:itemId/image", coverHandler.GetCoverImage)
	}

	// Admin endpoints (separate auth with admin keys)
	admin := api.Group("/admin")
	admin.Use(middleware.AdminKeyAuth(cfg.Auth.AdminKeys))
	{
		admin.GET("/stats", adminHandler.Stats)
		admin.POST("/covers/:itemId/resolve", adminHandler.Resolve)
	}
}
