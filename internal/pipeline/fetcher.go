package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fleveque/cover-service/internal/resilience"
	"github.com/fleveque/cover-service/internal/safeurl"
)

// ErrBodyTooLarge is returned when a download exceeds the byte cap.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// URLValidator decides whether a URL may be fetched.
type URLValidator interface {
	Check(ctx context.Context, rawURL string) error
}

// FetcherOptions configures HTTPFetcher.
type FetcherOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	UserAgent    string
	MaxRedirects int
}

// HTTPFetcher downloads candidate images. Every redirect hop is validated
// again, and the dialer refuses private peers so a DNS answer that changes
// between validation and connect still cannot reach internal addresses.
type HTTPFetcher struct {
	client    *http.Client
	validator URLValidator
	opts      FetcherOptions
}

// NewHTTPFetcher builds a fetcher with a hardened transport.
func NewHTTPFetcher(validator URLValidator, opts FetcherOptions) *HTTPFetcher {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: safeurl.DialControl,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
	}
	return NewHTTPFetcherWithClient(&http.Client{Transport: transport}, validator, opts)
}

// NewHTTPFetcherWithClient wraps an existing client (primarily for testing).
// Timeout and redirect policy are applied to the client.
func NewHTTPFetcherWithClient(client *http.Client, validator URLValidator, opts FetcherOptions) *HTTPFetcher {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 3
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	f := &HTTPFetcher{client: client, validator: validator, opts: opts}
	client.Timeout = opts.Timeout
	client.CheckRedirect = f.checkRedirect
	return f
}

func (f *HTTPFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.opts.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", f.opts.MaxRedirects)
	}
	return f.validator.Check(req.Context(), req.URL.String())
}

// Fetch GETs rawURL and returns the body. 404 and 410 come back as
// business rejections so they do not count against the provider's breaker;
// so do blocked redirects and oversized bodies.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.Reject(fmt.Errorf("building request: %w", err))
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, safeurl.ErrBlocked) {
			return nil, resilience.Reject(err)
		}
		return nil, fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, resilience.Reject(fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, resilience.Reject(fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, f.opts.MaxBytes))
	}
	return body, nil
}
