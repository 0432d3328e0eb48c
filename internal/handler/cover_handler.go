package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/storage"
)

// maxBatchIDs caps GET /covers?ids=.
const maxBatchIDs = 100

// CoverReader is the read side of the cover service.
type CoverReader interface {
	FetchExistingCover(ctx context.Context, itemID string) (*model.Descriptor, error)
	FetchExistingCovers(ctx context.Context, itemIDs []string) (map[string]*model.Descriptor, error)
}

// CoverHandler serves stored cover descriptors. It never triggers a fetch;
// resolution is an admin operation.
type CoverHandler struct {
	covers         CoverReader
	placeholderURL string
	logger         *zap.Logger
}

// NewCoverHandler creates a new CoverHandler.
func NewCoverHandler(covers CoverReader, placeholderURL string, logger *zap.Logger) *CoverHandler {
	return &CoverHandler{
		covers:         covers,
		placeholderURL: placeholderURL,
		logger:         logger,
	}
}

// GetCover returns the canonical descriptor for an item.
// Route: GET /api/v1/covers/:itemId
//
// An item with no cover is not an error: the response is 200 with the
// placeholder URL so clients can render something.
func (h *CoverHandler) GetCover(c *gin.Context) {
	itemID, ok := h.itemID(c)
	if !ok {
		return
	}

	desc, err := h.covers.FetchExistingCover(c.Request.Context(), itemID)
	if err != nil {
		h.logger.Error("reading cover", zap.String("item_id", itemID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if desc == nil {
		c.JSON(http.StatusOK, h.placeholder())
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, desc)
}

// GetCoverImage redirects to the canonical cover, or to the placeholder.
// Route: GET /api/v1/covers/:itemId/image
func (h *CoverHandler) GetCoverImage(c *gin.Context) {
	itemID, ok := h.itemID(c)
	if !ok {
		return
	}

	desc, err := h.covers.FetchExistingCover(c.Request.Context(), itemID)
	if err != nil {
		h.logger.Error("reading cover", zap.String("item_id", itemID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	target := h.placeholderURL
	if desc != nil {
		target = desc.CanonicalURL
		c.Header("Cache-Control", "public, max-age=3600")
	}
	c.Redirect(http.StatusFound, target)
}

// ListCovers returns descriptors for several items at once.
// Route: GET /api/v1/covers?ids=a,b,c
//
// Items without a cover are listed under "missing".
func (h *CoverHandler) ListCovers(c *gin.Context) {
	var ids []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(c.Query("ids"), ",") {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		if !storage.ValidItemID(id) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id: " + id})
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids is required"})
		return
	}
	if len(ids) > maxBatchIDs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids"})
		return
	}

	found, err := h.covers.FetchExistingCovers(c.Request.Context(), ids)
	if err != nil {
		h.logger.Error("reading covers", zap.Int("count", len(ids)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	missing := make([]string, 0)
	for _, id := range ids {
		if found[id] == nil {
			delete(found, id)
			missing = append(missing, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"covers":          found,
		"missing":         missing,
		"placeholder_url": h.placeholderURL,
	})
}

func (h *CoverHandler) itemID(c *gin.Context) (string, bool) {
	itemID := c.Param("itemId")
	if !storage.ValidItemID(itemID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return "", false
	}
	return itemID, true
}

func (h *CoverHandler) placeholder() gin.H {
	return gin.H{
		"placeholder":   true,
		"canonical_url": h.placeholderURL,
	}
}
