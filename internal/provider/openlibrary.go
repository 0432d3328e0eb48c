package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fleveque/cover-service/internal/model"
)

// DefaultOpenLibraryCoversURL is the covers host.
const DefaultOpenLibraryCoversURL = "https://covers.openlibrary.org"

// OpenLibraryProvider builds the Open Library cover URL for an ISBN. It does
// no network call: default=false makes a missing cover a 404 at download
// time instead of a 1x1 placeholder, and the downloader treats that 404 as a
// rejection.
type OpenLibraryProvider struct {
	baseURL string
}

// NewOpenLibraryProvider creates a provider. An empty baseURL uses the
// public covers host.
func NewOpenLibraryProvider(baseURL string) *OpenLibraryProvider {
	if baseURL == "" {
		baseURL = DefaultOpenLibraryCoversURL
	}
	return &OpenLibraryProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (o *OpenLibraryProvider) Name() string { return "open-library" }

func (o *OpenLibraryProvider) Candidates(_ context.Context, q model.BookQuery) ([]model.CandidateURL, error) {
	isbn := NormalizeISBN(q.ISBN)
	if isbn == "" {
		return nil, fmt.Errorf("%w: open library needs an ISBN", ErrNoCover)
	}
	return []model.CandidateURL{{
		URL:     fmt.Sprintf("%s/b/isbn/%s-L.jpg?default=false", o.baseURL, url.PathEscape(isbn)),
		Source:  o.Name(),
		Variant: model.VariantLarge,
	}}, nil
}

// NormalizeISBN strips separators and upper-cases a trailing X. It returns
// "" when the result is not a 10 or 13 character ISBN.
func NormalizeISBN(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'X':
			b.WriteRune(r)
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	out := b.String()
	if len(out) != 10 && len(out) != 13 {
		return ""
	}
	// X is only valid as the ISBN-10 check digit.
	if i := strings.IndexByte(out, 'X'); i >= 0 && (len(out) != 10 || i != 9) {
		return ""
	}
	return out
}
