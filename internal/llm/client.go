// Package llm provides a provider-agnostic interface for using LLMs to find
// book cover images via web search. The LLM searches the web for the
// edition's cover and returns a direct image URL.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleveque/cover-service/internal/model"
)

// ErrNoResult is returned when the model finished without submitting a URL.
var ErrNoResult = errors.New("llm found no cover")

// CoverSearchResult contains the result of an LLM-powered cover search.
type CoverSearchResult struct {
	CoverURL   string // Direct URL to the cover image
	Title      string // Title the model matched
	Site       string // Where the cover was found (e.g., "openlibrary.org")
	Confidence string // "high", "medium", "low"
}

// Client is the interface for LLM providers that can search for covers.
// Both Anthropic (Claude) and OpenAI implement it, so the provider can fall
// back from one to the other.
type Client interface {
	FindCoverURL(ctx context.Context, q model.BookQuery) (*CoverSearchResult, error)
	ProviderName() string
	ModelName() string
}

const submitToolName = "submit_cover_url"

// submitCoverResult is the schema of the tool the model calls to answer.
type submitCoverResult struct {
	CoverURL   string `json:"cover_url"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
}

func (r submitCoverResult) toResult(q model.BookQuery) (*CoverSearchResult, error) {
	if r.CoverURL == "" {
		return nil, fmt.Errorf("%w for ISBN %s", ErrNoResult, q.ISBN)
	}
	return &CoverSearchResult{
		CoverURL:   r.CoverURL,
		Title:      r.Title,
		Site:       r.Source,
		Confidence: r.Confidence,
	}, nil
}

var submitProperties = map[string]interface{}{
	"cover_url": map[string]interface{}{
		"type":        "string",
		"description": "Direct HTTPS URL to the front cover image (JPG, PNG or WebP). Must be an image, not a web page.",
	},
	"title": map[string]interface{}{
		"type":        "string",
		"description": "The book title the cover belongs to.",
	},
	"source": map[string]interface{}{
		"type":        "string",
		"description": "The website where the cover was found (e.g., 'openlibrary.org', 'publisher.com').",
	},
	"confidence": map[string]interface{}{
		"type":        "string",
		"enum":        []string{"high", "medium", "low"},
		"description": "How confident you are this is the cover of this exact edition.",
	},
}

// buildPrompt creates the user prompt for the LLM.
func buildPrompt(q model.BookQuery) string {
	hint := ""
	if q.Title != "" {
		hint += fmt.Sprintf(" titled %q", q.Title)
	}
	if q.Author != "" {
		hint += fmt.Sprintf(" by %s", q.Author)
	}

	return fmt.Sprintf(`Find the front cover image for the book with ISBN %s%s.

Search the web for a high-quality image of this edition's front cover. Prefer:
1. The publisher's own catalogue page
2. Open Library or Google Books cover images
3. Large booksellers

Requirements for the cover URL:
- Must be a DIRECT link to an image file served over HTTPS
- Should be at least 400 pixels tall
- Must be the front cover, not a preview page, back cover or author photo
- Must be publicly accessible (no authentication required)

Once you find the best cover, call the %s tool with the URL and details.
If you cannot find a suitable cover, explain why in your response.`, q.ISBN, hint, submitToolName)
}
