package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/model"
)

// FeedSource is the source label for candidates that come from feeds.
const FeedSource = "feed"

var isbnPattern = regexp.MustCompile(`(?i)\b(97[89][0-9]{10}|[0-9]{9}[0-9X])\b`)

// FeedReader turns bestseller RSS/Atom feeds into resolve jobs. Entries
// without a recognisable ISBN are skipped.
type FeedReader struct {
	client *http.Client
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewFeedReader creates a reader. A nil client uses a 15s-timeout default.
func NewFeedReader(client *http.Client, logger *zap.Logger) *FeedReader {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &FeedReader{client: client, parser: gofeed.NewParser(), logger: logger}
}

// Read fetches one feed and returns a job per usable entry.
func (f *FeedReader) Read(ctx context.Context, feedURL string) ([]model.ResolveJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %s: %w", feedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching feed %s: HTTP %d", feedURL, resp.StatusCode)
	}

	return f.Parse(io.LimitReader(resp.Body, 5<<20))
}

// Parse reads a feed document. gofeed detects RSS vs Atom on its own.
func (f *FeedReader) Parse(r io.Reader) ([]model.ResolveJob, error) {
	feed, err := f.parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	jobs := make([]model.ResolveJob, 0, len(feed.Items))
	seen := make(map[string]struct{}, len(feed.Items))
	for _, item := range feed.Items {
		isbn := itemISBN(item)
		if isbn == "" {
			f.logger.Debug("feed entry without ISBN", zap.String("title", item.Title))
			continue
		}
		if _, dup := seen[isbn]; dup {
			continue
		}
		seen[isbn] = struct{}{}

		job := model.ResolveJob{Query: model.BookQuery{ItemID: isbn, ISBN: isbn, Title: item.Title}}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			job.Query.Author = item.Authors[0].Name
		}
		if img := itemImage(item); img != "" {
			job.Candidates = []model.CandidateURL{{URL: img, Source: FeedSource, Variant: model.VariantCanonical}}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// itemISBN prefers an explicit <isbn> element, then the GUID, then the link.
func itemISBN(item *gofeed.Item) string {
	if v, ok := item.Custom["isbn"]; ok {
		if isbn := NormalizeISBN(v); isbn != "" {
			return isbn
		}
	}
	for _, s := range []string{item.GUID, item.Link} {
		if m := isbnPattern.FindString(s); m != "" {
			return strings.ToUpper(m)
		}
	}
	return ""
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}
