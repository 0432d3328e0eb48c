package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fleveque/cover-service/internal/model"
)

// DefaultGoogleBooksURL is the volumes endpoint.
const DefaultGoogleBooksURL = "https://www.googleapis.com/books/v1/volumes"

// GoogleBooksProvider looks a book up by ISBN in the Google Books volumes
// API and turns every imageLinks entry into a candidate of the matching
// variant.
type GoogleBooksProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGoogleBooksProvider creates a provider. An empty baseURL uses the
// public endpoint; apiKey is optional.
func NewGoogleBooksProvider(baseURL, apiKey string, client *http.Client) *GoogleBooksProvider {
	if baseURL == "" {
		baseURL = DefaultGoogleBooksURL
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &GoogleBooksProvider{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (g *GoogleBooksProvider) Name() string { return "google-books" }

type volumesResponse struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		VolumeInfo struct {
			Title      string            `json:"title"`
			ImageLinks map[string]string `json:"imageLinks"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

// imageLinkVariants maps imageLinks keys to variants, largest first so the
// output order is stable.
var imageLinkVariants = []struct {
	key     string
	variant model.Variant
}{
	{"extraLarge", model.VariantExtraLarge},
	{"large", model.VariantLarge},
	{"medium", model.VariantMedium},
	{"small", model.VariantSmall},
	{"thumbnail", model.VariantThumbnail},
	{"smallThumbnail", model.VariantSmallThumbnail},
}

func (g *GoogleBooksProvider) Candidates(ctx context.Context, q model.BookQuery) ([]model.CandidateURL, error) {
	isbn := NormalizeISBN(q.ISBN)
	if isbn == "" {
		return nil, fmt.Errorf("%w: google books needs an ISBN", ErrNoCover)
	}

	params := url.Values{}
	params.Set("q", "isbn:"+isbn)
	if g.apiKey != "" {
		params.Set("key", g.apiKey)
	}

	var resp volumesResponse
	if err := getJSON(ctx, g.client, g.baseURL+"?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("google books lookup for %s: %w", isbn, err)
	}
	if resp.TotalItems == 0 || len(resp.Items) == 0 {
		return nil, fmt.Errorf("%w: no volume for ISBN %s", ErrNoCover, isbn)
	}

	// Only the first volume: later hits are usually other editions.
	links := resp.Items[0].VolumeInfo.ImageLinks
	var out []model.CandidateURL
	for _, il := range imageLinkVariants {
		raw, ok := links[il.key]
		if !ok || raw == "" {
			continue
		}
		out = append(out, model.CandidateURL{
			URL:     cleanGoogleImageURL(raw),
			Source:  g.Name(),
			Variant: il.variant,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: volume for %s has no image links", ErrNoCover, isbn)
	}
	return out, nil
}

// cleanGoogleImageURL upgrades to https and drops the page-curl effect.
func cleanGoogleImageURL(raw string) string {
	if strings.HasPrefix(raw, "http://") {
		raw = "https://" + strings.TrimPrefix(raw, "http://")
	}
	raw = strings.ReplaceAll(raw, "&edge=curl", "")
	return strings.ReplaceAll(raw, "?edge=curl&", "?")
}
