package ranking

import (
	"testing"
	"time"

	"github.com/fleveque/cover-service/internal/model"
)

func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func candidate(url string, w, h int) model.CoverCandidate {
	return model.CoverCandidate{
		ItemID:    "X",
		Variant:   model.VariantCanonical,
		URL:       strPtr(url),
		Source:    "google-books",
		Width:     intPtr(w),
		Height:    intPtr(h),
		CreatedAt: base,
	}
}

func TestSelect_StorageHeldMeetingThresholdWins(t *testing.T) {
	small := candidate("https://books.google.com/small.jpg", 90, 140)
	held := candidate("https://cdn.example.com/covers/X-lg-google-books.jpg", 400, 600)
	held.Variant = model.VariantLarge
	held.StorageKey = strPtr("k1")

	got, ok := Select([]model.CoverCandidate{small, held})
	if !ok {
		t.Fatal("expected a canonical candidate")
	}
	if got.StorageKey == nil || *got.StorageKey != "k1" {
		t.Errorf("expected the storage-held candidate, got %+v", got)
	}
}

func TestSelect_RelaxedFallbackFires(t *testing.T) {
	only := candidate("https://books.google.com/small.jpg", 90, 140)

	got, ok := Select([]model.CoverCandidate{only})
	if !ok {
		t.Fatal("relaxed tier should return the only candidate")
	}
	if got.Locator() != only.Locator() {
		t.Errorf("expected %s, got %s", only.Locator(), got.Locator())
	}
}

func TestCompare_StorageHeldRanksStrictlyBetter(t *testing.T) {
	variants := []model.Variant{model.VariantCanonical, model.VariantExtraLarge, model.VariantThumbnail}
	dims := [][2]int{{400, 600}, {90, 140}, {0, 0}}

	for _, v := range variants {
		for _, d := range dims {
			hotlink := candidate("https://books.google.com/a.jpg", d[0], d[1])
			hotlink.Variant = v
			held := hotlink
			held.StorageKey = strPtr("covers/X-lg-google-books.jpg")

			// Relaxed-tier pairs with equal area fall back to createdAt, so
			// storage precedence is asserted through the strict tier and
			// priority; for relaxed pairs, check priority directly.
			if Priority(held) >= Priority(hotlink) {
				t.Errorf("variant %s dims %v: priority(held)=%d should be < priority(hotlink)=%d",
					v, d, Priority(held), Priority(hotlink))
			}
			if Strict(held) && Compare(held, hotlink) >= 0 {
				t.Errorf("variant %s dims %v: held should rank strictly better", v, d)
			}
		}
	}
}

func TestCompare_StrictBeatsLargerRelaxed(t *testing.T) {
	strict := candidate("https://books.google.com/strict.jpg", 180, 280)
	strict.Variant = model.VariantThumbnail
	strict.IsGrayscale = boolPtr(true)

	// Huge but landscape, so it fails the aspect check.
	relaxed := candidate("https://books.google.com/wide.jpg", 4000, 3000)
	relaxed.Variant = model.VariantExtraLarge
	relaxed.StorageKey = strPtr("k")

	if Strict(relaxed) {
		t.Fatal("landscape image should not be strict")
	}
	if !Strict(strict) {
		t.Fatal("180x280 should be strict")
	}
	if Compare(strict, relaxed) >= 0 {
		t.Error("strict candidate must outrank a relaxed one regardless of area")
	}

	got, _ := Select([]model.CoverCandidate{relaxed, strict})
	if got.Locator() != strict.Locator() {
		t.Errorf("expected strict candidate, got %s", got.Locator())
	}
}

func TestStrict(t *testing.T) {
	tests := []struct {
		name string
		c    model.CoverCandidate
		want bool
	}{
		{"typical cover", candidate("https://x/a.jpg", 400, 600), true},
		{"minimum dims at 1.556", candidate("https://x/a.jpg", 180, 280), true},
		{"ratio exactly 1.2", candidate("https://x/a.jpg", 500, 600), true},
		{"ratio exactly 2.0", candidate("https://x/a.jpg", 300, 600), true},
		{"ratio below 1.2", candidate("https://x/a.jpg", 550, 600), false},
		{"ratio above 2.0", candidate("https://x/a.jpg", 200, 600), false},
		{"too narrow", candidate("https://x/a.jpg", 179, 300), false},
		{"too short", candidate("https://x/a.jpg", 200, 279), false},
		{"copyright page", candidate("https://books.google.com/books/content?id=a&printsec=copyright&img=1", 400, 600), false},
		{"interior page", candidate("https://books.google.com/books/content?id=a&pg=PP1&img=1", 400, 600), false},
		{"front cover", candidate("https://books.google.com/books/content?id=a&printsec=frontcover&img=1", 400, 600), true},
		{"unknown width", model.CoverCandidate{URL: strPtr("https://x"), Height: intPtr(600)}, false},
		{"unknown height", model.CoverCandidate{URL: strPtr("https://x"), Width: intPtr(400)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strict(tt.c); got != tt.want {
				t.Errorf("Strict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPriority_Ordering(t *testing.T) {
	mk := func(v model.Variant, held bool, hires *bool, gray *bool) model.CoverCandidate {
		c := candidate("https://x/a.jpg", 400, 600)
		c.Variant = v
		c.IsHighResolution = hires
		c.IsGrayscale = gray
		if held {
			c.StorageKey = strPtr("k")
		}
		return c
	}

	// Each entry must score strictly better than the next.
	ordered := []model.CoverCandidate{
		mk(model.VariantThumbnail, true, boolPtr(true), nil),
		mk(model.VariantThumbnail, true, boolPtr(false), nil),
		mk(model.VariantThumbnail, true, nil, nil),
		mk(model.VariantThumbnail, true, nil, boolPtr(true)),
		mk(model.VariantExtraLarge, false, nil, boolPtr(true)),
		mk(model.VariantLarge, false, boolPtr(true), nil),
		mk(model.VariantMedium, false, boolPtr(true), boolPtr(false)),
		mk(model.VariantMedium, false, boolPtr(true), boolPtr(true)),
		mk(model.VariantSmall, false, nil, nil),
		mk(model.VariantThumbnail, false, nil, nil),
		mk(model.VariantSmallThumbnail, false, nil, nil),
		mk(model.VariantCanonical, false, boolPtr(true), nil),
	}
	for i := 0; i < len(ordered)-1; i++ {
		a, b := Priority(ordered[i]), Priority(ordered[i+1])
		if a >= b {
			t.Errorf("entry %d (score %d) should beat entry %d (score %d)", i, a, i+1, b)
		}
	}

	// Unknown grayscale is not penalised relative to false.
	if Priority(mk(model.VariantLarge, false, nil, nil)) != Priority(mk(model.VariantLarge, false, nil, boolPtr(false))) {
		t.Error("grayscale=false and unknown should score the same")
	}
}

func TestSort_StrictTieBreaks(t *testing.T) {
	tall := candidate("https://x/tall.jpg", 400, 700)
	short := candidate("https://x/short.jpg", 400, 600)
	wide := candidate("https://x/wide.jpg", 450, 600)
	older := candidate("https://x/older.jpg", 400, 600)
	older.CreatedAt = base.Add(-time.Hour)

	got := Sort([]model.CoverCandidate{older, short, wide, tall})
	want := []string{"https://x/tall.jpg", "https://x/wide.jpg", "https://x/short.jpg", "https://x/older.jpg"}
	for i, w := range want {
		if got[i].Locator() != w {
			t.Errorf("position %d: want %s, got %s", i, w, got[i].Locator())
		}
	}
}

func TestSort_RelaxedByAreaThenRecency(t *testing.T) {
	unknown := model.CoverCandidate{URL: strPtr("https://x/unknown.jpg"), CreatedAt: base.Add(time.Hour)}
	small := candidate("https://x/small.jpg", 50, 60)
	bigger := candidate("https://x/bigger.jpg", 100, 80)
	newerSame := candidate("https://x/newer.jpg", 100, 80)
	newerSame.CreatedAt = base.Add(time.Minute)

	got := Sort([]model.CoverCandidate{unknown, small, bigger, newerSame})
	want := []string{"https://x/newer.jpg", "https://x/bigger.jpg", "https://x/small.jpg", "https://x/unknown.jpg"}
	for i, w := range want {
		if got[i].Locator() != w {
			t.Errorf("position %d: want %s, got %s", i, w, got[i].Locator())
		}
	}
}

func TestSelect_ExcludesUnreadableRows(t *testing.T) {
	failed := candidate("https://x/failed.jpg", 400, 600)
	failed.StorageKey = strPtr("k")
	failed.DownloadError = strPtr("UploadFailure: timeout")
	noURL := model.CoverCandidate{Width: intPtr(400), Height: intPtr(600)}

	if _, ok := Select([]model.CoverCandidate{failed, noURL}); ok {
		t.Error("failure rows and rows without a URL must never be selected")
	}

	ok := candidate("https://x/ok.jpg", 90, 140)
	got, found := Select([]model.CoverCandidate{failed, ok})
	if !found || got.Locator() != ok.Locator() {
		t.Errorf("expected %s, got %+v", ok.Locator(), got)
	}
}

func TestSelect_Empty(t *testing.T) {
	if _, ok := Select(nil); ok {
		t.Error("no candidates should select nothing")
	}
	if res := Rank(nil); res.Canonical != nil || res.FallbackURL != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestRank_FallbackURL(t *testing.T) {
	held := candidate("https://cdn/covers/X-lg-google-books.jpg", 400, 600)
	held.StorageKey = strPtr("covers/X-lg-google-books.jpg")
	heldOther := candidate("https://cdn/covers/X-lg-amazon.jpg", 400, 600)
	heldOther.StorageKey = strPtr("covers/X-lg-amazon.jpg")
	hotlinkBig := candidate("https://books.google.com/big.jpg", 400, 600)
	hotlinkBig.Variant = model.VariantExtraLarge
	hotlinkSmall := candidate("https://books.google.com/small.jpg", 90, 140)

	res := Rank([]model.CoverCandidate{hotlinkSmall, heldOther, hotlinkBig, held})
	if res.Canonical == nil || !res.Canonical.StorageHeld() {
		t.Fatalf("expected storage-held canonical, got %+v", res.Canonical)
	}
	if res.FallbackURL != hotlinkBig.Locator() {
		t.Errorf("expected fallback %s, got %s", hotlinkBig.Locator(), res.FallbackURL)
	}
	if got := FallbackURL([]model.CoverCandidate{hotlinkSmall, hotlinkBig, held}, res.Canonical.Locator()); got != hotlinkBig.Locator() {
		t.Errorf("FallbackURL = %s, want %s", got, hotlinkBig.Locator())
	}
}

func TestRank_NoFallbackWhenSameURL(t *testing.T) {
	hotlink := candidate("https://books.google.com/a.jpg", 400, 600)
	dup := hotlink
	dup.Variant = model.VariantLarge

	res := Rank([]model.CoverCandidate{hotlink, dup})
	if res.Canonical == nil {
		t.Fatal("expected canonical")
	}
	if res.FallbackURL != "" {
		t.Errorf("fallback must differ from canonical, got %s", res.FallbackURL)
	}
}
