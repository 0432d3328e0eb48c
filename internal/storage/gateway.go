package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/model"
)

// ErrUploadUnavailable is returned when uploads are disabled or no store is wired.
var ErrUploadUnavailable = errors.New("storage upload unavailable")

// UploadPayload is one processed cover ready to be written.
type UploadPayload struct {
	ItemID    string
	Extension string
	Source    string
	Bytes     []byte
	MimeType  string
	Meta      ProcessedMeta
}

// ProcessedMeta is what the processor learned about the image, plus where it
// came from. It is written alongside the cover as a provenance document.
type ProcessedMeta struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	HighResolution bool   `json:"high_resolution"`
	Grayscale      bool   `json:"grayscale"`
	OriginURL      string `json:"origin_url"`
	AttemptID      string `json:"attempt_id,omitempty"`
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	PublicBaseURL string
	UploadEnabled bool
	ReadEnabled   bool
}

// Gateway exposes processed-cover storage to the pipeline and the read path.
// It owns key naming and public URL construction; the ObjectStore only
// moves bytes.
type Gateway struct {
	store   ObjectStore
	opts    GatewayOptions
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// NewGateway creates a Gateway over store. A nil store disables both paths.
func NewGateway(store ObjectStore, opts GatewayOptions, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:   store,
		opts:    opts,
		baseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

func (g *Gateway) IsUploadAvailable() bool {
	return g != nil && g.store != nil && g.opts.UploadEnabled
}

func (g *Gateway) IsReadAvailable() bool {
	return g != nil && g.store != nil && g.opts.ReadEnabled
}

// PublicURL returns the URL clients use to fetch key.
func (g *Gateway) PublicURL(key string) string {
	return g.baseURL + "/" + key
}

// UploadProcessedCover writes the cover under its KeyFor key and returns a
// storage-held descriptor. The provenance document is best effort: a failure
// there is logged and does not fail the upload.
func (g *Gateway) UploadProcessedCover(ctx context.Context, p UploadPayload) (*model.Descriptor, error) {
	if !g.IsUploadAvailable() {
		return nil, ErrUploadUnavailable
	}
	key, err := KeyFor(p.ItemID, p.Extension, p.Source)
	if err != nil {
		return nil, err
	}
	if err := g.store.Put(ctx, key, p.MimeType, p.Bytes); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", key, err)
	}

	g.writeProvenance(ctx, p, key)

	width, height, highRes := p.Meta.Width, p.Meta.Height, p.Meta.HighResolution
	return &model.Descriptor{
		CanonicalURL:   g.PublicURL(key),
		StorageKey:     &key,
		Width:          &width,
		Height:         &height,
		HighResolution: &highRes,
		Source:         NormalizeSource(p.Source),
	}, nil
}

type provenanceDoc struct {
	ItemID     string        `json:"item_id"`
	Key        string        `json:"key"`
	Source     string        `json:"source"`
	MimeType   string        `json:"mime_type"`
	Bytes      int           `json:"bytes"`
	Meta       ProcessedMeta `json:"meta"`
	UploadedAt time.Time     `json:"uploaded_at"`
}

func (g *Gateway) writeProvenance(ctx context.Context, p UploadPayload, key string) {
	provKey, err := ProvenanceKeyFor(p.ItemID, p.Source)
	if err != nil {
		return
	}
	doc, err := json.Marshal(provenanceDoc{
		ItemID:     p.ItemID,
		Key:        key,
		Source:     NormalizeSource(p.Source),
		MimeType:   p.MimeType,
		Bytes:      len(p.Bytes),
		Meta:       p.Meta,
		UploadedAt: g.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := g.store.Put(ctx, provKey, "text/plain; charset=utf-8", doc); err != nil {
		g.logger.Warn("provenance write failed",
			zap.String("item_id", p.ItemID), zap.String("key", provKey), zap.Error(err))
	}
}

// FindFirstAvailableCover probes the key built from each label in order and
// returns the first that exists, or nil when none does. Probe errors are
// logged and treated as a miss so one bad label doesn't hide a later hit.
func (g *Gateway) FindFirstAvailableCover(ctx context.Context, itemID, extension string, labels []string) (*model.Descriptor, error) {
	if !g.IsReadAvailable() {
		return nil, nil
	}
	seen := make(map[string]bool, len(labels))
	for _, label := range labels {
		key, err := KeyFor(itemID, extension, label)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		ok, err := g.store.Exists(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Warn("probing stored cover failed",
				zap.String("item_id", itemID), zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			k := key
			return &model.Descriptor{
				CanonicalURL: g.PublicURL(k),
				StorageKey:   &k,
				Source:       NormalizeSource(label),
			}, nil
		}
	}
	return nil, nil
}
