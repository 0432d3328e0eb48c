// Package service contains the cover resolution logic: discovery across
// providers, the per-item resolution loop, and the read path.
package service

import (
	"github.com/h2non/bimg"

	"github.com/fleveque/cover-service/internal/model"
)

// Rejection reasons reported by ImageProcessor.
const (
	RejectUnsupportedFormat = "unsupported_format"
	RejectUndecodable       = "undecodable"
	RejectTooSmall          = "too_small"
	RejectPlaceholder       = "placeholder_image"
)

// ProcessorOptions configures ImageProcessor.
type ProcessorOptions struct {
	MinWidth  int
	MinHeight int
	Quality   int
	// HighResWidth and HighResHeight mark an image high resolution when
	// either dimension reaches them.
	HighResWidth  int
	HighResHeight int
}

// DefaultProcessorOptions returns the processor defaults.
func DefaultProcessorOptions() ProcessorOptions {
	return ProcessorOptions{
		MinWidth:      50,
		MinHeight:     50,
		Quality:       85,
		HighResWidth:  800,
		HighResHeight: 1200,
	}
}

// ImageProcessor validates downloaded covers and transcodes them to JPEG.
// It uses bimg (Go bindings for libvips), so libvips must be installed.
type ImageProcessor struct {
	opts ProcessorOptions
}

// NewImageProcessor creates a new ImageProcessor.
func NewImageProcessor(opts ProcessorOptions) *ImageProcessor {
	return &ImageProcessor{opts: opts}
}

// Process decodes raw, rejects anything that isn't a usable cover, and
// returns a metadata-stripped JPEG. It never returns an error: failures are
// reported as a rejection reason so the pipeline can record them.
func (p *ImageProcessor) Process(raw []byte, _ string) model.ProcessedImage {
	if len(raw) == 0 {
		return rejected(RejectUndecodable)
	}
	typeName := bimg.DetermineImageTypeName(raw)
	if typeName == "unknown" || !bimg.IsTypeNameSupported(typeName) {
		return rejected(RejectUnsupportedFormat)
	}

	// bimg.NewImage wraps raw bytes; it doesn't copy them.
	img := bimg.NewImage(raw)
	size, err := img.Size()
	if err != nil {
		return rejected(RejectUndecodable)
	}
	// Open Library and others serve a 1x1 pixel when they have nothing.
	if size.Width <= 1 && size.Height <= 1 {
		return rejected(RejectPlaceholder)
	}
	if size.Width < p.opts.MinWidth || size.Height < p.opts.MinHeight {
		return rejected(RejectTooSmall)
	}

	grayscale := false
	if meta, err := img.Metadata(); err == nil {
		grayscale = meta.Space == "b-w" || meta.Space == "grey16" || meta.Channels == 1 || meta.Channels == 2
	}

	out, err := img.Process(bimg.Options{
		Type:           bimg.JPEG,
		Quality:        p.opts.Quality,
		StripMetadata:  true,
		Background:     bimg.Color{R: 255, G: 255, B: 255}, // flatten transparency onto white
		Interpretation: bimg.InterpretationSRGB,
	})
	if err != nil {
		return rejected(RejectUndecodable)
	}

	return model.ProcessedImage{
		Success:        true,
		Bytes:          out,
		Extension:      ".jpg",
		MimeType:       "image/jpeg",
		Width:          size.Width,
		Height:         size.Height,
		HighResolution: size.Width >= p.opts.HighResWidth || size.Height >= p.opts.HighResHeight,
		Grayscale:      grayscale,
	}
}

func rejected(reason string) model.ProcessedImage {
	return model.ProcessedImage{RejectionReason: reason}
}
