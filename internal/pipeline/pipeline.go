// Package pipeline fetches one candidate cover, processes it and hands the
// result to storage. Each call to Run is one attempt and walks a fixed
// sequence of stages; the first failing stage decides the terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/metrics"
	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/resilience"
	"github.com/fleveque/cover-service/internal/safeurl"
	"github.com/fleveque/cover-service/internal/storage"
)

// State is the terminal state of an attempt.
type State string

const (
	StateInvalid            State = "INVALID_INPUT"
	StateBlocked            State = "BLOCKED"
	StateDownloadFailed     State = "DOWNLOAD_FAILED"
	StateProcessingRejected State = "PROCESSING_REJECTED"
	StateTooLarge           State = "TOO_LARGE"
	StateUploadFailed       State = "UPLOAD_FAILED"
	StateCancelled          State = "CANCELLED"
	StatePersisted          State = "PERSISTED"
)

// Fetcher downloads raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Processor turns raw bytes into a storable image or a rejection.
type Processor interface {
	Process(raw []byte, itemID string) model.ProcessedImage
}

// Uploader is the write side of the storage gateway.
type Uploader interface {
	IsUploadAvailable() bool
	UploadProcessedCover(ctx context.Context, p storage.UploadPayload) (*model.Descriptor, error)
}

// Options configures a Pipeline.
type Options struct {
	MaxProcessedBytes int
}

// Outcome is the result of one attempt. Err is nil only for PERSISTED; it
// is a *Error for every failure except cancellation, which carries the
// context error.
type Outcome struct {
	AttemptID  string
	State      State
	Descriptor *model.Descriptor
	Image      *model.ProcessedImage
	Err        error
}

// Pipeline runs fetch attempts. It holds no per-attempt state and is safe
// for concurrent use.
type Pipeline struct {
	validator URLValidator
	fetcher   Fetcher
	processor Processor
	uploader  Uploader
	registry  *resilience.Registry
	opts      Options
	logger    *zap.Logger
}

// New creates a Pipeline.
func New(validator URLValidator, fetcher Fetcher, processor Processor, uploader Uploader,
	registry *resilience.Registry, opts Options, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		validator: validator,
		fetcher:   fetcher,
		processor: processor,
		uploader:  uploader,
		registry:  registry,
		opts:      opts,
		logger:    logger,
	}
}

// ProviderKey is the resilience identity for downloads from a source.
func ProviderKey(source string) string {
	return storage.NormalizeSource(source)
}

// Run performs one attempt for itemID and candidate.
func (p *Pipeline) Run(ctx context.Context, itemID string, candidate model.CandidateURL) Outcome {
	attemptID := uuid.NewString()
	provider := ProviderKey(candidate.Source)
	log := p.logger.With(
		zap.String("attempt_id", attemptID),
		zap.String("item_id", itemID),
		zap.String("provider", provider),
		zap.String("url", candidate.URL),
	)

	out := p.run(ctx, attemptID, itemID, provider, candidate)
	out.AttemptID = attemptID
	metrics.ObserveAttempt(provider, string(out.State))

	switch out.State {
	case StatePersisted:
		log.Info("cover persisted", zap.String("state", string(out.State)))
	case StateBlocked:
		log.Warn("candidate blocked", zap.String("state", string(out.State)), zap.Error(out.Err))
	case StateUploadFailed:
		log.Error("cover upload failed", zap.String("state", string(out.State)), zap.Error(out.Err))
	default:
		log.Debug("attempt failed", zap.String("state", string(out.State)), zap.Error(out.Err))
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, attemptID, itemID, provider string, c model.CandidateURL) Outcome {
	// Input checks never touch the network.
	if strings.TrimSpace(itemID) == "" {
		return fail(StateInvalid, KindInvalidInput, c.URL, errors.New("item id is blank"))
	}
	if strings.TrimSpace(c.URL) == "" {
		return fail(StateInvalid, KindInvalidInput, c.URL, errors.New("url is blank"))
	}
	if !storage.ValidItemID(itemID) {
		return fail(StateInvalid, KindInvalidInput, c.URL, fmt.Errorf("%w: %q", storage.ErrInvalidItemID, itemID))
	}

	if err := p.validator.Check(ctx, c.URL); err != nil {
		return fail(StateBlocked, KindUnsafeURL, c.URL, err)
	}

	raw, err := resilience.Call(ctx, p.registry, provider, func(ctx context.Context) ([]byte, error) {
		return p.fetcher.Fetch(ctx, c.URL)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{State: StateCancelled, Err: ctxErr}
		}
		switch {
		case errors.Is(err, safeurl.ErrBlocked):
			return fail(StateBlocked, KindUnsafeURL, c.URL, err)
		case errors.Is(err, resilience.ErrRateLimited):
			return fail(StateDownloadFailed, KindRateLimited, c.URL, err)
		case errors.Is(err, resilience.ErrCircuitOpen):
			return fail(StateDownloadFailed, KindCircuitOpen, c.URL, err)
		default:
			return fail(StateDownloadFailed, KindDownloadFailure, c.URL, err)
		}
	}
	metrics.ObserveDownload(len(raw))

	img := p.processor.Process(raw, itemID)
	if !img.Success {
		reason := img.RejectionReason
		if reason == "" {
			reason = "unspecified"
		}
		return fail(StateProcessingRejected, KindProcessingRejected, c.URL, errors.New(reason))
	}

	if p.opts.MaxProcessedBytes > 0 && len(img.Bytes) > p.opts.MaxProcessedBytes {
		return fail(StateTooLarge, KindTooLarge, c.URL,
			fmt.Errorf("processed image is %d bytes, limit %d", len(img.Bytes), p.opts.MaxProcessedBytes))
	}

	// Nothing is written for an attempt whose caller has gone away.
	if err := ctx.Err(); err != nil {
		return Outcome{State: StateCancelled, Err: err}
	}
	if !p.uploader.IsUploadAvailable() {
		return fail(StateUploadFailed, KindUploadFailure, c.URL, storage.ErrUploadUnavailable)
	}

	desc, err := p.uploader.UploadProcessedCover(ctx, storage.UploadPayload{
		ItemID:    itemID,
		Extension: img.Extension,
		Source:    c.Source,
		Bytes:     img.Bytes,
		MimeType:  img.MimeType,
		Meta: storage.ProcessedMeta{
			Width:          img.Width,
			Height:         img.Height,
			HighResolution: img.HighResolution,
			Grayscale:      img.Grayscale,
			OriginURL:      c.URL,
			AttemptID:      attemptID,
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{State: StateCancelled, Err: ctxErr}
		}
		return fail(StateUploadFailed, KindUploadFailure, c.URL, err)
	}

	img.Bytes = nil
	return Outcome{State: StatePersisted, Descriptor: desc, Image: &img}
}

func fail(state State, kind Kind, url string, err error) Outcome {
	return Outcome{State: state, Err: newError(kind, url, err)}
}
