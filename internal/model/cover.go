// Package model defines the core data types for the cover service.
// Struct tags (`db:"..."` and `json:"..."`) tell sqlx and encoding/json how to
// map fields to columns and API payloads.
package model

import "time"

// Variant is a named size/type bucket for a cover image.
type Variant string

const (
	VariantCanonical      Variant = "canonical"
	VariantSmallThumbnail Variant = "smallThumbnail"
	VariantThumbnail      Variant = "thumbnail"
	VariantSmall          Variant = "small"
	VariantMedium         Variant = "medium"
	VariantLarge          Variant = "large"
	VariantExtraLarge     Variant = "extraLarge"
)

// AllVariants is the ordered list of known variants, largest first.
var AllVariants = []Variant{
	VariantExtraLarge,
	VariantLarge,
	VariantMedium,
	VariantSmall,
	VariantThumbnail,
	VariantSmallThumbnail,
	VariantCanonical,
}

// ValidVariant checks if a string names a known variant.
func ValidVariant(s string) bool {
	for _, v := range AllVariants {
		if string(v) == s {
			return true
		}
	}
	return false
}

// ParseVariant maps free-form input to a Variant, defaulting to canonical.
func ParseVariant(s string) Variant {
	if ValidVariant(s) {
		return Variant(s)
	}
	return VariantCanonical
}

// CoverCandidate is one row per (item, variant). The canonical cover for an
// item is chosen among these rows at read time, never stored as a pointer.
type CoverCandidate struct {
	ID               int64     `db:"id" json:"id"`
	ItemID           string    `db:"item_id" json:"item_id"`
	Variant          Variant   `db:"variant" json:"variant"`
	URL              *string   `db:"url" json:"url,omitempty"`
	StorageKey       *string   `db:"storage_key" json:"storage_key,omitempty"`
	Source           string    `db:"source" json:"source"`
	Width            *int      `db:"width" json:"width,omitempty"`
	Height           *int      `db:"height" json:"height,omitempty"`
	IsHighResolution *bool     `db:"is_high_resolution" json:"is_high_resolution,omitempty"`
	IsGrayscale      *bool     `db:"is_grayscale" json:"is_grayscale,omitempty"`
	DownloadError    *string   `db:"download_error" json:"download_error,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// StorageHeld reports whether the bytes live in our own object storage.
func (c *CoverCandidate) StorageHeld() bool {
	return c.StorageKey != nil && *c.StorageKey != ""
}

// Readable reports whether the row may surface through the read path.
// Failure rows and rows without a locator never do.
func (c *CoverCandidate) Readable() bool {
	return c.DownloadError == nil && c.URL != nil && *c.URL != ""
}

// Locator returns the URL or "" when unset.
func (c *CoverCandidate) Locator() string {
	if c.URL == nil {
		return ""
	}
	return *c.URL
}

// VariantUpsert carries the arguments of an upsert for one (item, variant).
// A nil StorageKey means "keep whatever is stored".
type VariantUpsert struct {
	ItemID           string  `db:"item_id"`
	Variant          Variant `db:"variant"`
	URL              string  `db:"url"`
	Source           string  `db:"source"`
	Width            *int    `db:"width"`
	Height           *int    `db:"height"`
	IsHighResolution *bool   `db:"is_high_resolution"`
	IsGrayscale      *bool   `db:"is_grayscale"`
	StorageKey       *string `db:"storage_key"`
}

// Descriptor is the persisted shape handed to read clients.
type Descriptor struct {
	CanonicalURL   string  `json:"canonical_url"`
	StorageKey     *string `json:"storage_key,omitempty"`
	Width          *int    `json:"width,omitempty"`
	Height         *int    `json:"height,omitempty"`
	HighResolution *bool   `json:"high_resolution,omitempty"`
	Source         string  `json:"source"`
	FallbackURL    string  `json:"fallback_url,omitempty"`
}

// DescriptorFrom builds a Descriptor from a candidate row.
func DescriptorFrom(c CoverCandidate) *Descriptor {
	return &Descriptor{
		CanonicalURL:   c.Locator(),
		StorageKey:     c.StorageKey,
		Width:          c.Width,
		Height:         c.Height,
		HighResolution: c.IsHighResolution,
		Source:         c.Source,
	}
}

// CandidateURL is an unfetched candidate supplied by a producer or provider.
// Dimensions are whatever the provider advertised, if anything.
type CandidateURL struct {
	URL            string  `json:"url"`
	Source         string  `json:"source"`
	Variant        Variant `json:"variant,omitempty"`
	Width          *int    `json:"width,omitempty"`
	Height         *int    `json:"height,omitempty"`
	HighResolution *bool   `json:"high_resolution,omitempty"`
}

// AsCandidate projects the unfetched candidate into a row shape so it can be
// ordered by the same ranking rules as stored rows.
func (c CandidateURL) AsCandidate(itemID string) CoverCandidate {
	u := c.URL
	return CoverCandidate{
		ItemID:           itemID,
		Variant:          ParseVariant(string(c.Variant)),
		URL:              &u,
		Source:           c.Source,
		Width:            c.Width,
		Height:           c.Height,
		IsHighResolution: c.HighResolution,
	}
}

// BookQuery identifies a book for provider discovery.
type BookQuery struct {
	ItemID string `json:"item_id"`
	ISBN   string `json:"isbn"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

// ResolveJob is one item to resolve: the book and any candidates a
// producer already knows about. An empty Candidates list means "discover".
type ResolveJob struct {
	Query      BookQuery      `json:"query"`
	Candidates []CandidateURL `json:"candidates,omitempty"`
}

// ProcessedImage is what the image processor returns for one download.
type ProcessedImage struct {
	Success         bool
	Bytes           []byte
	Extension       string
	MimeType        string
	Width           int
	Height          int
	HighResolution  bool
	Grayscale       bool
	RejectionReason string
}

// ProviderCall tracks each call to a paid or rate-limited provider.
type ProviderCall struct {
	ID         int64     `db:"id" json:"id"`
	ItemID     string    `db:"item_id" json:"item_id"`
	Provider   string    `db:"provider" json:"provider"`
	Model      string    `db:"model" json:"model"`
	ResultURL  *string   `db:"result_url" json:"result_url,omitempty"`
	Success    bool      `db:"success" json:"success"`
	DurationMs *int64    `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Stats summarises the persisted cover state.
type Stats struct {
	Items         int64 `json:"items"`
	Candidates    int64 `json:"candidates"`
	StorageHeld   int64 `json:"storage_held"`
	Failed        int64 `json:"failed"`
	ProviderCalls int64 `json:"provider_calls"`
}
