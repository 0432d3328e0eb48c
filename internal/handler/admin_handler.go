package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/storage"
)

// CoverResolver is the write side of the cover service.
type CoverResolver interface {
	ResolveBook(ctx context.Context, job model.ResolveJob) (*model.Descriptor, error)
}

// StatsSource reports row counts.
type StatsSource interface {
	Stats(ctx context.Context) (*model.Stats, error)
}

// AdminHandler handles administrative endpoints.
type AdminHandler struct {
	resolver CoverResolver
	stats    StatsSource
	logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(resolver CoverResolver, stats StatsSource, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		resolver: resolver,
		stats:    stats,
		logger:   logger,
	}
}

// resolveRequest is the body of POST /admin/covers/:itemId/resolve. Every
// field is optional; an empty body resolves nothing and returns whatever is
// already stored.
type resolveRequest struct {
	Candidates []model.CandidateURL `json:"candidates"`
	ISBN       string               `json:"isbn"`
	Title      string               `json:"title"`
	Author     string               `json:"author"`
}

// Resolve runs the ingestion pipeline for one item.
// Route: POST /api/v1/admin/covers/:itemId/resolve
//
// With an ISBN and no candidates the providers are asked first.
func (h *AdminHandler) Resolve(c *gin.Context) {
	itemID := c.Param("itemId")
	if !storage.ValidItemID(itemID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	job := model.ResolveJob{
		Query: model.BookQuery{
			ItemID: itemID,
			ISBN:   req.ISBN,
			Title:  req.Title,
			Author: req.Author,
		},
		Candidates: req.Candidates,
	}
	desc, err := h.resolver.ResolveBook(c.Request.Context(), job)
	if err != nil {
		h.logger.Error("resolving cover", zap.String("item_id", itemID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"item_id":  itemID,
		"resolved": desc != nil,
		"cover":    desc,
	})
}

// Stats returns row counts.
// Route: GET /api/v1/admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	s, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("computing stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, s)
}
