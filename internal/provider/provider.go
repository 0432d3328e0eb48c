// Package provider defines the sources that suggest candidate cover URLs for
// a book. Providers never download images themselves; they only say where a
// cover might be. The pipeline decides whether the URL is safe and usable.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/resilience"
)

// ErrNoCover means the provider answered but has nothing for the query. It
// wraps resilience.ErrRejected so it never counts against a breaker.
var ErrNoCover = fmt.Errorf("no cover from provider: %w", resilience.ErrRejected)

// CoverProvider is the interface for candidate sources.
type CoverProvider interface {
	// Name is the provider identity used for rate limits, breakers and logs.
	Name() string

	// Candidates returns candidate URLs for the query. A provider with
	// nothing to offer returns an error wrapping ErrNoCover.
	Candidates(ctx context.Context, q model.BookQuery) ([]model.CandidateURL, error)
}

// IsNoCover reports whether err is a business miss rather than a fault.
func IsNoCover(err error) bool {
	return errors.Is(err, ErrNoCover)
}

const userAgent = "cover-service/1.0"

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// getJSON issues a GET and decodes a JSON body into dst. A 404 is reported
// as ErrNoCover; any other non-200 is a fault.
func getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: HTTP 404", ErrNoCover)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	// 2MB is far above any volume search response.
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2<<20)).Decode(dst); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
