package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleveque/cover-service/internal/resilience"
	"github.com/fleveque/cover-service/internal/safeurl"
)

// blockPaths rejects any URL whose path starts with one of the prefixes.
type blockPaths []string

func (b blockPaths) Check(_ context.Context, rawURL string) error {
	for _, p := range b {
		if strings.Contains(rawURL, p) {
			return fmt.Errorf("%w: %s", safeurl.ErrPrivateAddress, rawURL)
		}
	}
	return nil
}

func newTestFetcher(t *testing.T, handler http.Handler, validator URLValidator, maxBytes int64) (*HTTPFetcher, string) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)
	f := NewHTTPFetcherWithClient(server.Client(), validator, FetcherOptions{
		Timeout:   2 * time.Second,
		MaxBytes:  maxBytes,
		UserAgent: "cover-service-test/1.0",
	})
	return f, server.URL
}

func TestHTTPFetcher_Success(t *testing.T) {
	var gotUA string
	f, base := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}), allowAll{}, 1024)

	body, err := f.Fetch(context.Background(), base+"/cover.jpg")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "jpeg-bytes" {
		t.Errorf("unexpected body %q", body)
	}
	if gotUA != "cover-service-test/1.0" {
		t.Errorf("expected configured user agent, got %q", gotUA)
	}
}

func TestHTTPFetcher_StatusCodes(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantRejected bool
	}{
		{"not found is a rejection", http.StatusNotFound, true},
		{"gone is a rejection", http.StatusGone, true},
		{"server error is a fault", http.StatusInternalServerError, false},
		{"forbidden is a fault", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, base := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}), allowAll{}, 1024)

			_, err := f.Fetch(context.Background(), base+"/cover.jpg")
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, resilience.ErrRejected); got != tt.wantRejected {
				t.Errorf("rejected = %v, want %v (%v)", got, tt.wantRejected, err)
			}
		})
	}
}

func TestHTTPFetcher_BodyLimit(t *testing.T) {
	f, base := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 11)))
	}), allowAll{}, 10)

	_, err := f.Fetch(context.Background(), base+"/big.jpg")
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestHTTPFetcher_BodyExactlyAtLimit(t *testing.T) {
	f, base := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 10)))
	}), allowAll{}, 10)

	body, err := f.Fetch(context.Background(), base+"/ok.jpg")
	if err != nil || len(body) != 10 {
		t.Errorf("expected 10 bytes, got %d, %v", len(body), err)
	}
}

func TestHTTPFetcher_RedirectHopsAreValidated(t *testing.T) {
	var internalHit bool
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/internal/metadata", http.StatusFound)
	})
	mux.HandleFunc("/internal/metadata", func(w http.ResponseWriter, r *http.Request) {
		internalHit = true
	})
	f, base := newTestFetcher(t, mux, blockPaths{"/internal"}, 1024)

	_, err := f.Fetch(context.Background(), base+"/start")
	if !errors.Is(err, safeurl.ErrBlocked) {
		t.Fatalf("expected blocked redirect, got %v", err)
	}
	if !errors.Is(err, resilience.ErrRejected) {
		t.Error("a blocked redirect is not a provider fault")
	}
	if internalHit {
		t.Error("blocked redirect target must not be requested")
	}
}

func TestHTTPFetcher_RedirectLimit(t *testing.T) {
	var hops int
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	f, base := newTestFetcher(t, mux, allowAll{}, 1024)

	if _, err := f.Fetch(context.Background(), base+"/loop"); err == nil {
		t.Fatal("expected redirect loop to fail")
	}
	if hops != 4 {
		t.Errorf("expected the original request plus 3 redirects, got %d requests", hops)
	}
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	f, base := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}), allowAll{}, 1024)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, base+"/slow.jpg")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
