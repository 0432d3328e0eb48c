package storage

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Object key layout. These shapes are read back by existing clients, so they
// must not change: covers/<itemId>-lg-<source><ext>.
const (
	CoversPrefix        = "covers"
	ProvenancePrefix    = "provenance"
	DefaultExtension    = ".jpg"
	ProvenanceExtension = ".txt"
	sizeTag             = "lg"
)

// ErrInvalidItemID is returned for item ids that could escape the key prefix.
var ErrInvalidItemID = errors.New("invalid item id")

var itemIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// imageExtensions is the closed set of extensions a key may carry,
// DefaultExtension first.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif"}

// ImageExtensions returns the closed extension set in probe order.
func ImageExtensions() []string {
	return slices.Clone(imageExtensions)
}

// canonicalSources maps a squashed label (lowercase letters and digits only)
// to its canonical slug. Anything else is slugified.
var canonicalSources = map[string]string{
	"googlebooks":   "google-books",
	"google":        "google-books",
	"gbooks":        "google-books",
	"openlibrary":   "open-library",
	"amazon":        "amazon",
	"nyt":           "nyt",
	"nytimes":       "nyt",
	"newyorktimes":  "nyt",
	"bestsellers":   "nyt",
	"feed":          "feed",
	"llm":           "llm",
	"manual":        "manual",
	"upload":        "manual",
	"userupload":    "manual",
	"directurl":     "direct",
	"direct":        "direct",
	"unknown":       "unknown",
	"isbndb":        "isbndb",
	"goodreads":     "goodreads",
	"librarything":  "librarything",
	"bookshop":      "bookshop",
	"bookshoporg":   "bookshop",
	"harpercollins": "harpercollins",
}

// ValidItemID reports whether id is safe to embed in an object key.
func ValidItemID(id string) bool {
	return itemIDPattern.MatchString(id)
}

// NormalizeExtension returns a dotted, lowercase extension from the closed
// set, or DefaultExtension for anything unknown or blank.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if !slices.Contains(imageExtensions, ext) {
		return DefaultExtension
	}
	return ext
}

// NormalizeSource maps a free-form provider label to a stable slug. Known
// providers map to their canonical name first; anything else is slugified.
// The same function runs on write (key generation) and read (probing).
func NormalizeSource(label string) string {
	if canonical, ok := canonicalSources[squash(label)]; ok {
		return canonical
	}
	if slug := slugify(label); slug != "" {
		return slug
	}
	return "unknown"
}

// KeyFor builds the object key for an item's processed cover.
func KeyFor(itemID, extension, sourceLabel string) (string, error) {
	if !ValidItemID(itemID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidItemID, itemID)
	}
	return fmt.Sprintf("%s/%s-%s-%s%s",
		CoversPrefix, itemID, sizeTag, NormalizeSource(sourceLabel), NormalizeExtension(extension)), nil
}

// ProvenanceKeyFor builds the sibling audit key for a cover key: same stem,
// provenance prefix, text extension.
func ProvenanceKeyFor(itemID, sourceLabel string) (string, error) {
	if !ValidItemID(itemID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidItemID, itemID)
	}
	return fmt.Sprintf("%s/%s-%s-%s%s",
		ProvenancePrefix, itemID, sizeTag, NormalizeSource(sourceLabel), ProvenanceExtension), nil
}

func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// slugify lowercases s, turns every run of characters outside [a-z0-9]
// into a single '-', and trims leading and trailing dashes.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
