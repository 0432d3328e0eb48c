package postgres

import (
	"cmp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/ranking"
)

// windowTerm evaluates one ORDER BY term of the ROW_NUMBER window the way
// Postgres would. A nil value is SQL NULL.
type windowTerm struct {
	eval func(c model.CoverCandidate) *int64
	desc bool
}

func val(v int64) *int64 { return &v }

func derefInt(p *int) int64 {
	if p == nil {
		return 0
	}
	return int64(*p)
}

func onlyTier(rank int, f func(c model.CoverCandidate) int64) func(c model.CoverCandidate) *int64 {
	return func(c model.CoverCandidate) *int64 {
		if ranking.QualityRank(c) != rank {
			return nil
		}
		return val(f(c))
	}
}

// knownWindowTerms maps the SQL text of every accepted window term to its
// evaluator. quality_rank and priority are the scored CTE columns.
var knownWindowTerms = map[string]windowTerm{
	"quality_rank": {eval: func(c model.CoverCandidate) *int64 { return val(int64(ranking.QualityRank(c))) }},
	"CASE WHEN quality_rank = 0 THEN priority END": {
		eval: onlyTier(0, func(c model.CoverCandidate) int64 { return int64(ranking.Priority(c)) }),
	},
	"CASE WHEN quality_rank = 0 THEN height END DESC": {
		eval: onlyTier(0, func(c model.CoverCandidate) int64 { return derefInt(c.Height) }), desc: true,
	},
	"CASE WHEN quality_rank = 0 THEN width END DESC": {
		eval: onlyTier(0, func(c model.CoverCandidate) int64 { return derefInt(c.Width) }), desc: true,
	},
	"CASE WHEN quality_rank = 1 THEN COALESCE(width, 0)::bigint * COALESCE(height, 0) END DESC": {
		eval: onlyTier(1, func(c model.CoverCandidate) int64 { return derefInt(c.Width) * derefInt(c.Height) }), desc: true,
	},
	"created_at DESC": {eval: func(c model.CoverCandidate) *int64 { return val(c.CreatedAt.UnixNano()) }, desc: true},
	"id":              {eval: func(c model.CoverCandidate) *int64 { return val(c.ID) }},
}

// windowOrder extracts the window's ORDER BY terms from canonicalQuery.
func windowOrder(t *testing.T) []windowTerm {
	t.Helper()
	start := strings.Index(canonicalQuery, "ORDER BY ")
	require.GreaterOrEqual(t, start, 0)
	body := canonicalQuery[start+len("ORDER BY "):]
	end := strings.Index(body, ") AS rn")
	require.GreaterOrEqual(t, end, 0)

	var terms []windowTerm
	for _, raw := range strings.Split(body[:end], ",\n") {
		text := strings.TrimSpace(raw)
		term, ok := knownWindowTerms[text]
		require.Truef(t, ok, "window term %q has no evaluator", text)
		terms = append(terms, term)
	}
	require.Len(t, terms, len(knownWindowTerms))
	return terms
}

// compareTerm follows Postgres defaults: NULLS LAST ascending, NULLS FIRST
// descending.
func compareTerm(term windowTerm, a, b model.CoverCandidate) int {
	va, vb := term.eval(a), term.eval(b)
	var c int
	switch {
	case va == nil && vb == nil:
		c = 0
	case va == nil:
		c = 1
	case vb == nil:
		c = -1
	default:
		c = cmp.Compare(*va, *vb)
	}
	if term.desc {
		return -c
	}
	return c
}

// sqlRank replays canonicalQuery for one item: the readable filter, the
// window order, rn = 1, and the fallback_url subquery.
func sqlRank(terms []windowTerm, rows []model.CoverCandidate) ([]int64, string) {
	var readable []model.CoverCandidate
	for _, c := range rows {
		if c.DownloadError == nil && c.URL != nil && *c.URL != "" {
			readable = append(readable, c)
		}
	}
	slices.SortFunc(readable, func(a, b model.CoverCandidate) int {
		for _, term := range terms {
			if c := compareTerm(term, a, b); c != 0 {
				return c
			}
		}
		return 0
	})

	ids := make([]int64, len(readable))
	for i, c := range readable {
		ids[i] = c.ID
	}
	if len(readable) == 0 {
		return ids, ""
	}
	for _, f := range readable[1:] {
		if (f.StorageKey == nil || *f.StorageKey == "") && *f.URL != *readable[0].URL {
			return ids, *f.URL
		}
	}
	return ids, ""
}

var baseTime = time.Unix(1700000000, 0).UTC()

type candOpt func(*model.CoverCandidate)

func stored(key string) candOpt { return func(c *model.CoverCandidate) { c.StorageKey = &key } }
func hiRes(v bool) candOpt { return func(c *model.CoverCandidate) { c.IsHighResolution = &v } }
func grayscale() candOpt { return func(c *model.CoverCandidate) { c.IsGrayscale = ptr(true) } }
func failed() candOpt { return func(c *model.CoverCandidate) { c.DownloadError = ptr("HTTP 404") } }
func newer(d time.Duration) candOpt {
	return func(c *model.CoverCandidate) { c.CreatedAt = baseTime.Add(d) }
}

// cand builds a row; zero width or height means unknown.
func cand(id int64, variant model.Variant, url string, w, h int, opts ...candOpt) model.CoverCandidate {
	c := model.CoverCandidate{ID: id, ItemID: "item", Variant: variant, URL: &url, Source: "test", CreatedAt: baseTime}
	if w > 0 {
		c.Width = ptr(w)
	}
	if h > 0 {
		c.Height = ptr(h)
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func TestCanonicalQueryOrdersLikeRanking(t *testing.T) {
	t.Parallel()
	terms := windowOrder(t)

	tests := []struct {
		name          string
		rows          []model.CoverCandidate
		wantCanonical int64
	}{
		{
			name: "storage-held beats any hotlinked variant",
			rows: []model.CoverCandidate{
				cand(1, model.VariantExtraLarge, "https://g/xl.jpg", 800, 1200, hiRes(true)),
				cand(2, model.VariantThumbnail, "https://cdn/covers/item-lg-amazon.jpg", 400, 600, stored("covers/item-lg-amazon.jpg")),
				cand(3, model.VariantLarge, "https://g/l.jpg", 600, 900),
			},
			wantCanonical: 2,
		},
		{
			name: "strict tier beats a bigger relaxed row",
			rows: []model.CoverCandidate{
				cand(1, model.VariantExtraLarge, "https://g/wide.jpg", 2000, 1000),
				cand(2, model.VariantSmall, "https://g/s.jpg", 200, 300),
			},
			wantCanonical: 2,
		},
		{
			name: "preview pages drop to the relaxed tier",
			rows: []model.CoverCandidate{
				cand(1, model.VariantExtraLarge, "https://books.google.com/x?pg=PP1", 600, 900),
				cand(2, model.VariantMedium, "https://books.google.com/x?printsec=frontcover", 300, 450),
			},
			wantCanonical: 2,
		},
		{
			name: "equal priority falls back to height then width",
			rows: []model.CoverCandidate{
				cand(1, model.VariantLarge, "https://a/1.jpg", 400, 600),
				cand(2, model.VariantLarge, "https://a/2.jpg", 400, 700),
				cand(3, model.VariantLarge, "https://a/3.jpg", 450, 700),
			},
			wantCanonical: 3,
		},
		{
			name: "resolution and grayscale flags order within a bucket",
			rows: []model.CoverCandidate{
				cand(1, model.VariantLarge, "https://a/unknown.jpg", 400, 600),
				cand(2, model.VariantLarge, "https://a/gray.jpg", 400, 600, hiRes(true), grayscale()),
				cand(3, model.VariantLarge, "https://a/low.jpg", 400, 600, hiRes(false)),
				cand(4, model.VariantLarge, "https://a/hi.jpg", 400, 600, hiRes(true)),
			},
			wantCanonical: 4,
		},
		{
			name: "relaxed tier orders by area then recency",
			rows: []model.CoverCandidate{
				cand(1, model.VariantThumbnail, "https://a/none.jpg", 0, 0),
				cand(2, model.VariantThumbnail, "https://a/old.jpg", 100, 120),
				cand(3, model.VariantThumbnail, "https://a/new.jpg", 100, 120, newer(time.Hour)),
				cand(4, "custom", "https://a/half.jpg", 100, 0),
			},
			wantCanonical: 3,
		},
		{
			name: "full ties keep the lowest id",
			rows: []model.CoverCandidate{
				cand(1, model.VariantMedium, "https://a/1.jpg", 300, 450),
				cand(2, model.VariantMedium, "https://a/2.jpg", 300, 450),
			},
			wantCanonical: 1,
		},
		{
			name: "failed rows never surface and fallback skips stored and same-url rows",
			rows: []model.CoverCandidate{
				cand(1, model.VariantExtraLarge, "https://g/xl.jpg", 800, 1200, failed()),
				cand(2, model.VariantLarge, "https://cdn/covers/item-lg-a.jpg", 400, 600, stored("covers/item-lg-a.jpg")),
				cand(3, model.VariantMedium, "https://cdn/covers/item-lg-b.jpg", 400, 600, stored("covers/item-lg-b.jpg")),
				cand(4, model.VariantLarge, "https://cdn/covers/item-lg-a.jpg", 400, 600),
				cand(5, model.VariantThumbnail, "https://g/t.jpg", 128, 192),
			},
			wantCanonical: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var wantOrder []int64
			for _, c := range ranking.Sort(tt.rows) {
				wantOrder = append(wantOrder, c.ID)
			}
			want := ranking.Rank(tt.rows)
			require.NotNil(t, want.Canonical)
			require.Equal(t, tt.wantCanonical, want.Canonical.ID)

			gotOrder, gotFallback := sqlRank(terms, tt.rows)
			require.Equal(t, wantOrder, gotOrder)
			require.Equal(t, want.FallbackURL, gotFallback)
		})
	}
}

func TestCanonicalQueryScoresLikeRanking(t *testing.T) {
	t.Parallel()

	for _, frag := range []string{
		"width >= 180 AND height >= 280",
		"BETWEEN 1.2 AND 2",
		"WHEN 'extraLarge' THEN 1 WHEN 'large' THEN 2",
		"WHEN 'smallThumbnail' THEN 6 ELSE 7 END",
		"THEN 0 ELSE CASE variant",
		"PARTITION BY item_id",
		"f.rn > 1",
		"(f.storage_key IS NULL OR f.storage_key = '')",
		"f.url <> c.url",
		"ORDER BY f.rn LIMIT 1) AS fallback_url",
		"FROM ordered c WHERE c.rn = 1",
	} {
		require.True(t, strings.Contains(canonicalQuery, frag), "query missing %q", frag)
	}
}
