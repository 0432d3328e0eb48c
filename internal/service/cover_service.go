// Package service contains the core business logic for cover resolution.
// CoverService ties the pieces together:
//
//	Discover: ask every enabled provider for candidate URLs
//	Resolve:  try candidates best-first through the fetch pipeline and
//	          record each outcome as a candidate row
//	Read:     rank the stored rows for an item, falling back to probing
//	          object storage under legacy source labels
//
// "No cover" is a nil descriptor with a nil error. Callers render a
// placeholder; it is never a request failure.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleveque/cover-service/internal/metrics"
	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/pipeline"
	"github.com/fleveque/cover-service/internal/provider"
	"github.com/fleveque/cover-service/internal/ranking"
	"github.com/fleveque/cover-service/internal/resilience"
	"github.com/fleveque/cover-service/internal/storage"
)

// Resolution outcomes reported to metrics.
const (
	OutcomePersisted = "persisted"
	OutcomeHotlink   = "hotlink"
	OutcomeNoCover   = "no_cover"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Attempter runs one fetch attempt. *pipeline.Pipeline implements it.
type Attempter interface {
	Run(ctx context.Context, itemID string, candidate model.CandidateURL) pipeline.Outcome
}

// CoverStorage is the part of the storage gateway the service needs.
type CoverStorage interface {
	IsUploadAvailable() bool
	FindFirstAvailableCover(ctx context.Context, itemID, extension string, labels []string) (*model.Descriptor, error)
}

// canonicalSelector is implemented by repositories that can rank in SQL.
type canonicalSelector interface {
	CanonicalCovers(ctx context.Context, itemIDs []string) (map[string]ranking.Result, error)
}

// Options configures a CoverService.
type Options struct {
	// LegacySourceLabels are probed in order when no row exists for an item.
	LegacySourceLabels []string
	// Concurrency bounds ResolveBatch; values below 1 mean 1.
	Concurrency int
}

// CoverService is the entry point for resolving and reading covers.
type CoverService struct {
	repo      storage.CoverRepository
	attempts  Attempter
	storage   CoverStorage
	validator pipeline.URLValidator
	providers []provider.CoverProvider
	registry  *resilience.Registry
	opts      Options
	logger    *zap.Logger
}

// NewCoverService creates a service. providers may be empty, in which case
// Discover always comes back empty.
func NewCoverService(
	repo storage.CoverRepository,
	attempts Attempter,
	coverStorage CoverStorage,
	validator pipeline.URLValidator,
	providers []provider.CoverProvider,
	registry *resilience.Registry,
	opts Options,
	logger *zap.Logger,
) *CoverService {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &CoverService{
		repo:      repo,
		attempts:  attempts,
		storage:   coverStorage,
		validator: validator,
		providers: providers,
		registry:  registry,
		opts:      opts,
		logger:    logger,
	}
}

// ResolveCover tries candidates for itemID best-first and returns the
// item's canonical descriptor afterwards. Each failed attempt is recorded
// and the next candidate is tried. When every candidate fails and nothing
// was stored before, the result is nil, nil.
//
// With uploads unavailable, nothing is downloaded: candidates that pass the
// URL check are stored as hotlink rows instead.
func (s *CoverService) ResolveCover(ctx context.Context, itemID string, candidates []model.CandidateURL) (*model.Descriptor, error) {
	if !storage.ValidItemID(itemID) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidItemID, itemID)
	}

	ordered := orderCandidates(itemID, candidates)
	if len(ordered) == 0 {
		s.logger.Debug("no candidates to resolve", zap.String("item_id", itemID))
		return s.finish(ctx, itemID, OutcomeNoCover)
	}

	if !s.storage.IsUploadAvailable() {
		s.logger.Warn("storage upload unavailable, keeping hotlinks",
			zap.String("item_id", itemID), zap.Int("candidates", len(ordered)))
		if err := s.recordHotlinks(ctx, itemID, ordered, nil); err != nil {
			return nil, s.fail(itemID, err)
		}
		return s.finish(ctx, itemID, OutcomeHotlink)
	}

	for i, c := range ordered {
		out := s.attempts.Run(ctx, itemID, c)
		variant := model.ParseVariant(string(c.Variant))

		switch out.State {
		case pipeline.StatePersisted:
			if err := s.repo.UpsertVariant(ctx, persistedUpsert(itemID, variant, out)); err != nil {
				return nil, s.fail(itemID, err)
			}
			// The rest become hotlink rows so readers get a fallback URL.
			if err := s.recordHotlinks(ctx, itemID, ordered[i+1:], []model.Variant{variant}); err != nil {
				s.logger.Error("recording fallback hotlinks",
					zap.String("item_id", itemID), zap.Error(err))
			}
			return s.finish(ctx, itemID, OutcomePersisted)

		case pipeline.StateCancelled:
			metrics.ObserveResolution(OutcomeCancelled)
			return nil, out.Err
		}

		// Short-circuits say nothing about the URL; only real failures
		// become audit rows.
		if kind, ok := pipeline.KindOf(out.Err); ok && !kind.ShortCircuit() {
			if err := s.repo.RecordFailure(ctx, itemID, variant, out.Err.Error()); err != nil {
				s.logger.Error("recording failed attempt",
					zap.String("item_id", itemID),
					zap.String("attempt_id", out.AttemptID),
					zap.Error(err),
				)
			}
		}
	}

	return s.finish(ctx, itemID, OutcomeNoCover)
}

// FetchExistingCover returns the canonical descriptor for itemID without
// any network fetch, or nil when the item has no readable cover.
func (s *CoverService) FetchExistingCover(ctx context.Context, itemID string) (*model.Descriptor, error) {
	if !storage.ValidItemID(itemID) {
		return nil, nil
	}

	rows, err := s.repo.ListCandidates(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if desc := describe(ranking.Rank(rows)); desc != nil {
		return desc, nil
	}

	if len(s.opts.LegacySourceLabels) == 0 {
		return nil, nil
	}
	for _, ext := range storage.ImageExtensions() {
		desc, err := s.storage.FindFirstAvailableCover(ctx, itemID, ext, s.opts.LegacySourceLabels)
		if err != nil || desc != nil {
			return desc, err
		}
	}
	return nil, nil
}

// FetchExistingCovers is the batch read. Repositories that can rank in SQL
// do so in one query; otherwise each item is ranked in process. Items
// without a cover are absent from the map. Legacy object lookups are left
// to the single-item read.
func (s *CoverService) FetchExistingCovers(ctx context.Context, itemIDs []string) (map[string]*model.Descriptor, error) {
	ids := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if storage.ValidItemID(id) && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	out := make(map[string]*model.Descriptor, len(ids))
	if sel, ok := s.repo.(canonicalSelector); ok {
		rows, err := sel.CanonicalCovers(ctx, ids)
		if err != nil {
			return nil, err
		}
		for id, res := range rows {
			if desc := describe(res); desc != nil {
				out[id] = desc
			}
		}
		return out, nil
	}

	for _, id := range ids {
		rows, err := s.repo.ListCandidates(ctx, id)
		if err != nil {
			return nil, err
		}
		if desc := describe(ranking.Rank(rows)); desc != nil {
			out[id] = desc
		}
	}
	return out, nil
}

// Discover asks every provider for candidates in parallel and merges them
// in provider order, dropping duplicate URLs. A provider that fails or is
// short-circuited contributes nothing; it never fails the others.
func (s *CoverService) Discover(ctx context.Context, q model.BookQuery) []model.CandidateURL {
	found := make([][]model.CandidateURL, len(s.providers))

	var g errgroup.Group
	for i, p := range s.providers {
		g.Go(func() error {
			cands, err := resilience.Call(ctx, s.registry, p.Name(), func(ctx context.Context) ([]model.CandidateURL, error) {
				return p.Candidates(ctx, q)
			})
			switch {
			case err == nil:
				found[i] = cands
			case provider.IsNoCover(err):
				s.logger.Debug("provider has no cover",
					zap.String("item_id", q.ItemID), zap.String("provider", p.Name()), zap.Error(err))
			case resilience.IsShortCircuit(err), ctx.Err() != nil:
				// Logged by the registry, or the caller went away.
			default:
				s.logger.Warn("provider lookup failed",
					zap.String("item_id", q.ItemID), zap.String("provider", p.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	var merged []model.CandidateURL
	seen := make(map[string]bool)
	for _, cands := range found {
		for _, c := range cands {
			if c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			merged = append(merged, c)
		}
	}
	return merged
}

// ResolveBook resolves one job. A job with an ISBN and no candidates is
// discovered first. The item id defaults to the ISBN.
func (s *CoverService) ResolveBook(ctx context.Context, job model.ResolveJob) (*model.Descriptor, error) {
	q := job.Query
	if q.ItemID == "" {
		q.ItemID = provider.NormalizeISBN(q.ISBN)
	}
	candidates := job.Candidates
	if len(candidates) == 0 && q.ISBN != "" {
		candidates = s.Discover(ctx, q)
	}
	return s.ResolveCover(ctx, q.ItemID, candidates)
}

// BatchResult is the outcome for one job of a batch.
type BatchResult struct {
	ItemID     string
	Descriptor *model.Descriptor
	Err        error
}

// ResolveBatch resolves jobs concurrently, at most Options.Concurrency at a
// time. One item failing never fails the batch. Once ctx is done no new
// items are started; those report ctx.Err().
func (s *CoverService) ResolveBatch(ctx context.Context, jobs []model.ResolveJob) []BatchResult {
	results := make([]BatchResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, job := range jobs {
		results[i].ItemID = job.Query.ItemID
		if results[i].ItemID == "" {
			results[i].ItemID = provider.NormalizeISBN(job.Query.ISBN)
		}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			desc, err := s.ResolveBook(ctx, job)
			results[i].Descriptor = desc
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// recordHotlinks stores candidates that pass the URL check as rows without
// a storage key, keeping only the first candidate per variant and skipping
// the variants in skip.
func (s *CoverService) recordHotlinks(ctx context.Context, itemID string, candidates []model.CandidateURL, skip []model.Variant) error {
	done := slices.Clone(skip)
	for _, c := range candidates {
		variant := model.ParseVariant(string(c.Variant))
		if slices.Contains(done, variant) {
			continue
		}
		if err := s.validator.Check(ctx, c.URL); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("hotlink blocked",
				zap.String("item_id", itemID), zap.String("url", c.URL), zap.Error(err))
			continue
		}
		done = append(done, variant)

		err := s.repo.UpsertVariant(ctx, &model.VariantUpsert{
			ItemID:           itemID,
			Variant:          variant,
			URL:              c.URL,
			Source:           storage.NormalizeSource(c.Source),
			Width:            c.Width,
			Height:           c.Height,
			IsHighResolution: c.HighResolution,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// finish reads back the canonical descriptor after writes and reports the
// outcome. An attempt that wrote nothing still returns whatever was already
// stored for the item.
func (s *CoverService) finish(ctx context.Context, itemID, outcome string) (*model.Descriptor, error) {
	rows, err := s.repo.ListCandidates(ctx, itemID)
	if err != nil {
		return nil, s.fail(itemID, err)
	}
	desc := describe(ranking.Rank(rows))
	if desc == nil {
		outcome = OutcomeNoCover
	}
	metrics.ObserveResolution(outcome)
	return desc, nil
}

func (s *CoverService) fail(itemID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		metrics.ObserveResolution(OutcomeCancelled)
		return err
	}
	metrics.ObserveResolution(OutcomeError)
	s.logger.Error("cover resolution failed", zap.String("item_id", itemID), zap.Error(err))
	return fmt.Errorf("resolving cover for %s: %w", itemID, err)
}

func describe(res ranking.Result) *model.Descriptor {
	if res.Canonical == nil {
		return nil
	}
	desc := model.DescriptorFrom(*res.Canonical)
	desc.FallbackURL = res.FallbackURL
	return desc
}

func persistedUpsert(itemID string, variant model.Variant, out pipeline.Outcome) *model.VariantUpsert {
	d := out.Descriptor
	u := &model.VariantUpsert{
		ItemID:           itemID,
		Variant:          variant,
		URL:              d.CanonicalURL,
		Source:           d.Source,
		Width:            d.Width,
		Height:           d.Height,
		IsHighResolution: d.HighResolution,
		StorageKey:       d.StorageKey,
	}
	if out.Image != nil {
		gray := out.Image.Grayscale
		u.IsGrayscale = &gray
	}
	return u
}

// orderCandidates drops blank URLs and sorts the rest by priority score
// (variant hierarchy first), then by declared pixel area.
func orderCandidates(itemID string, candidates []model.CandidateURL) []model.CandidateURL {
	type ranked struct {
		url  model.CandidateURL
		proj model.CoverCandidate
	}
	list := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		c.URL = strings.TrimSpace(c.URL)
		if c.URL == "" {
			continue
		}
		list = append(list, ranked{url: c, proj: c.AsCandidate(itemID)})
	}
	slices.SortStableFunc(list, func(a, b ranked) int {
		if c := cmp.Compare(ranking.Priority(a.proj), ranking.Priority(b.proj)); c != 0 {
			return c
		}
		return cmp.Compare(ranking.Area(b.proj), ranking.Area(a.proj))
	})

	out := make([]model.CandidateURL, len(list))
	for i, r := range list {
		out[i] = r.url
	}
	return out
}
