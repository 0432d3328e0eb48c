package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/llm"
	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/storage"
)

// LLMProvider uses an LLM (Claude or OpenAI) to find a cover URL for books
// the catalogue APIs don't cover. It only asks for the URL; the pipeline
// downloads and checks the image like any other candidate.
//
// Tries clients in configured order: first success wins, failures fall
// through. Rate limiting and breaking happen in the resilience registry,
// keyed by Name(), so a burst of resolutions cannot run up the API bill.
type LLMProvider struct {
	clients  []llm.Client // Ordered list: first is primary, rest are fallbacks
	callRepo storage.ProviderCallRepository
	logger   *zap.Logger
}

// NewLLMProvider creates a provider with an ordered list of LLM clients.
// The order is configurable via config.yaml: llm.provider_order: ["anthropic", "openai"]
func NewLLMProvider(clients []llm.Client, callRepo storage.ProviderCallRepository, logger *zap.Logger) *LLMProvider {
	return &LLMProvider{
		clients:  clients,
		callRepo: callRepo,
		logger:   logger,
	}
}

func (p *LLMProvider) Name() string { return "llm" }

// Candidates asks each client in order for a cover URL.
func (p *LLMProvider) Candidates(ctx context.Context, q model.BookQuery) ([]model.CandidateURL, error) {
	if len(p.clients) == 0 {
		return nil, fmt.Errorf("%w: no LLM clients configured", ErrNoCover)
	}
	if q.ISBN == "" && q.Title == "" {
		return nil, fmt.Errorf("%w: LLM search needs an ISBN or a title", ErrNoCover)
	}

	var lastErr error
	misses := 0
	for i, client := range p.clients {
		result, err := p.tryClient(ctx, client, q)
		if err == nil {
			return []model.CandidateURL{{
				URL:     result.CoverURL,
				Source:  "llm:" + client.ProviderName(),
				Variant: model.VariantCanonical,
			}}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if errors.Is(err, llm.ErrNoResult) {
			misses++
		}
		if i < len(p.clients)-1 {
			p.logger.Warn("LLM client failed, trying next",
				zap.String("item_id", q.ItemID),
				zap.String("provider", client.ProviderName()),
				zap.Error(err),
			)
		}
	}

	// Every client answered and none found anything: a miss, not a fault.
	if misses == len(p.clients) {
		return nil, fmt.Errorf("%w: %w", ErrNoCover, lastErr)
	}
	return nil, fmt.Errorf("all LLM clients failed for %s: %w", q.ItemID, lastErr)
}

func (p *LLMProvider) tryClient(ctx context.Context, client llm.Client, q model.BookQuery) (*llm.CoverSearchResult, error) {
	start := time.Now()
	result, err := client.FindCoverURL(ctx, q)
	duration := time.Since(start).Milliseconds()

	// Record every call for cost tracking.
	p.recordCall(ctx, client, q.ItemID, result, err, duration)
	return result, err
}

func (p *LLMProvider) recordCall(ctx context.Context, client llm.Client, itemID string, result *llm.CoverSearchResult, callErr error, durationMs int64) {
	if p.callRepo == nil {
		return
	}
	call := &model.ProviderCall{
		ItemID:   itemID,
		Provider: client.ProviderName(),
		Model:    client.ModelName(),
		Success:  callErr == nil,
	}
	call.DurationMs = &durationMs
	if result != nil {
		call.ResultURL = &result.CoverURL
	}

	// The audit row must land even when the resolution was cancelled.
	if err := p.callRepo.Create(context.WithoutCancel(ctx), call); err != nil {
		p.logger.Error("recording provider call", zap.Error(err))
	}
}
