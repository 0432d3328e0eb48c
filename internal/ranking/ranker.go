// Package ranking picks the canonical cover among an item's candidate rows.
//
// Selection runs in two tiers. The strict tier keeps candidates with known,
// cover-shaped dimensions that do not look like a book preview page; the
// relaxed tier is everything else and only matters when the strict tier is
// empty. The functions here are pure so the same rules can back both the
// in-process read path and the SQL query in storage/postgres.
package ranking

import (
	"cmp"
	"slices"
	"strings"

	"github.com/fleveque/cover-service/internal/model"
)

// Strict-tier thresholds.
const (
	MinStrictWidth  = 180
	MinStrictHeight = 280
	MinAspectRatio  = 1.2
	MaxAspectRatio  = 2.0
)

// PreviewPageMarkers are query fragments Google Books uses for interior
// pages (title page, copyright page, table of contents) that upstream
// feeds routinely mislabel as covers. Other providers are not covered.
var PreviewPageMarkers = []string{
	"pg=PP",
	"pg=PR",
	"pg=PA",
	"printsec=copyright",
	"printsec=toc",
	"printsec=titlepage",
}

// VariantHierarchy ranks hotlinked variants, lower is better.
// Variants not listed fall into OtherVariantRank.
var VariantHierarchy = map[model.Variant]int{
	model.VariantExtraLarge:     1,
	model.VariantLarge:          2,
	model.VariantMedium:         3,
	model.VariantSmall:          4,
	model.VariantThumbnail:      5,
	model.VariantSmallThumbnail: 6,
}

// OtherVariantRank is the hierarchy rank of any variant not in VariantHierarchy.
const OtherVariantRank = 7

// Priority weights. The score is lexicographic: bucket, then resolution,
// then grayscale. Bucket 0 is reserved for storage-held rows.
const (
	BucketWeight     = 100
	ResolutionWeight = 10
	GrayscaleWeight  = 1
)

// Result is the outcome of ranking one item.
type Result struct {
	Canonical   *model.CoverCandidate
	FallbackURL string
}

// Priority returns the candidate's priority score; lower is better.
func Priority(c model.CoverCandidate) int {
	bucket := 0
	if !c.StorageHeld() {
		bucket = VariantRank(c.Variant)
	}

	resolution := 2
	if c.IsHighResolution != nil {
		if *c.IsHighResolution {
			resolution = 0
		} else {
			resolution = 1
		}
	}

	gray := 0
	if c.IsGrayscale != nil && *c.IsGrayscale {
		gray = 1
	}

	return bucket*BucketWeight + resolution*ResolutionWeight + gray*GrayscaleWeight
}

// VariantRank returns the hierarchy rank for a variant.
func VariantRank(v model.Variant) int {
	if r, ok := VariantHierarchy[v]; ok {
		return r
	}
	return OtherVariantRank
}

// IsPreviewPage reports whether the URL carries a known interior-page marker.
func IsPreviewPage(url string) bool {
	for _, m := range PreviewPageMarkers {
		if strings.Contains(url, m) {
			return true
		}
	}
	return false
}

// Strict reports whether the candidate survives the strict tier.
func Strict(c model.CoverCandidate) bool {
	if c.Width == nil || c.Height == nil {
		return false
	}
	w, h := *c.Width, *c.Height
	if w < MinStrictWidth || h < MinStrictHeight {
		return false
	}
	ratio := float64(h) / float64(w)
	if ratio < MinAspectRatio || ratio > MaxAspectRatio {
		return false
	}
	return !IsPreviewPage(c.Locator())
}

// QualityRank is 0 for strict-tier candidates and 1 for everything else.
func QualityRank(c model.CoverCandidate) int {
	if Strict(c) {
		return 0
	}
	return 1
}

// Area returns width*height with unknown dimensions counted as 0.
func Area(c model.CoverCandidate) int64 {
	return int64(deref(c.Width)) * int64(deref(c.Height))
}

// Compare orders two candidates; a negative result means a ranks better.
// Any strict-tier candidate beats any relaxed-tier one. Strict candidates
// compare by priority, height, width and recency; relaxed candidates by
// area and recency.
func Compare(a, b model.CoverCandidate) int {
	qa, qb := QualityRank(a), QualityRank(b)
	if qa != qb {
		return cmp.Compare(qa, qb)
	}

	if qa == 0 {
		if c := cmp.Compare(Priority(a), Priority(b)); c != 0 {
			return c
		}
		if c := cmp.Compare(deref(b.Height), deref(a.Height)); c != 0 {
			return c
		}
		if c := cmp.Compare(deref(b.Width), deref(a.Width)); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	}

	if c := cmp.Compare(Area(b), Area(a)); c != 0 {
		return c
	}
	return b.CreatedAt.Compare(a.CreatedAt)
}

// Sort orders candidates best first. Rows that may not surface through the
// read path are dropped. The input slice is not modified.
func Sort(candidates []model.CoverCandidate) []model.CoverCandidate {
	out := make([]model.CoverCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Readable() {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, Compare)
	return out
}

// Select returns the canonical candidate, or false when none is readable.
func Select(candidates []model.CoverCandidate) (model.CoverCandidate, bool) {
	sorted := Sort(candidates)
	if len(sorted) == 0 {
		return model.CoverCandidate{}, false
	}
	return sorted[0], true
}

// FallbackURL returns the URL of the best hotlinked candidate whose URL
// differs from canonicalURL, or "" when there is none.
func FallbackURL(candidates []model.CoverCandidate, canonicalURL string) string {
	for _, c := range Sort(candidates) {
		if c.StorageHeld() || c.Locator() == canonicalURL {
			continue
		}
		return c.Locator()
	}
	return ""
}

// Rank runs canonical and fallback selection together.
func Rank(candidates []model.CoverCandidate) Result {
	sorted := Sort(candidates)
	if len(sorted) == 0 {
		return Result{}
	}
	canonical := sorted[0]
	res := Result{Canonical: &canonical}
	for _, c := range sorted[1:] {
		if !c.StorageHeld() && c.Locator() != canonical.Locator() {
			res.FallbackURL = c.Locator()
			break
		}
	}
	return res
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
