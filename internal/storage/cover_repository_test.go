package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/fleveque/cover-service/internal/model"
)

// setupTestDB creates a fresh SQLite database in a temp directory.
// t.Cleanup closes it when the test (and its subtests) finish.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func sampleUpsert() *model.VariantUpsert {
	return &model.VariantUpsert{
		ItemID:           "9780141439518",
		Variant:          model.VariantLarge,
		URL:              "https://books.google.com/books/content?id=a&img=1&zoom=3",
		Source:           "google-books",
		Width:            intPtr(400),
		Height:           intPtr(600),
		IsHighResolution: boolPtr(false),
	}
}

func TestUpsertVariant_Idempotent(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.UpsertVariant(ctx, sampleUpsert()); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first, err := repo.GetVariant(ctx, "9780141439518", model.VariantLarge)
	if err != nil {
		t.Fatalf("reading row: %v", err)
	}

	if err := repo.UpsertVariant(ctx, sampleUpsert()); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, err := repo.GetVariant(ctx, "9780141439518", model.VariantLarge)
	if err != nil {
		t.Fatalf("reading row: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("row changed on identical upsert:\nfirst:  %+v\nsecond: %+v", first, second)
	}

	rows, err := repo.ListCandidates(ctx, "9780141439518")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected exactly one row per (item, variant), got %d", len(rows))
	}
}

func TestUpsertVariant_PreservesStorageKey(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	held := sampleUpsert()
	held.URL = "https://cdn.example.com/covers/9780141439518-lg-google-books.jpg"
	held.StorageKey = strPtr("covers/9780141439518-lg-google-books.jpg")
	if err := repo.UpsertVariant(ctx, held); err != nil {
		t.Fatalf("upsert with key: %v", err)
	}

	hotlink := sampleUpsert()
	hotlink.Width = intPtr(480)
	hotlink.Height = intPtr(720)
	if err := repo.UpsertVariant(ctx, hotlink); err != nil {
		t.Fatalf("upsert without key: %v", err)
	}

	row, err := repo.GetVariant(ctx, "9780141439518", model.VariantLarge)
	if err != nil {
		t.Fatalf("reading row: %v", err)
	}
	if row.StorageKey == nil || *row.StorageKey != "covers/9780141439518-lg-google-books.jpg" {
		t.Errorf("storage key regressed: %v", row.StorageKey)
	}
	if row.Locator() != "https://cdn.example.com/covers/9780141439518-lg-google-books.jpg" {
		t.Errorf("hotlink url must not replace the stored url, got %q", row.Locator())
	}
	if row.Width == nil || *row.Width != 480 || row.Height == nil || *row.Height != 720 {
		t.Errorf("scalar fields should be overwritten, got %vx%v", row.Width, row.Height)
	}

	// A new key replaces the old one.
	replaced := sampleUpsert()
	replaced.StorageKey = strPtr("covers/9780141439518-lg-amazon.jpg")
	if err := repo.UpsertVariant(ctx, replaced); err != nil {
		t.Fatalf("upsert with new key: %v", err)
	}
	row, _ = repo.GetVariant(ctx, "9780141439518", model.VariantLarge)
	if row.StorageKey == nil || *row.StorageKey != "covers/9780141439518-lg-amazon.jpg" {
		t.Errorf("expected new key, got %v", row.StorageKey)
	}
}

func TestUpsertVariant_NullableFlagsStayUnknown(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	v := sampleUpsert()
	v.IsHighResolution = nil
	v.Width = nil
	if err := repo.UpsertVariant(ctx, v); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err := repo.GetVariant(ctx, v.ItemID, v.Variant)
	if err != nil {
		t.Fatalf("reading row: %v", err)
	}
	if row.IsHighResolution != nil {
		t.Errorf("unknown high-res flag must stay NULL, got %v", *row.IsHighResolution)
	}
	if row.IsGrayscale != nil {
		t.Errorf("unknown grayscale flag must stay NULL, got %v", *row.IsGrayscale)
	}
	if row.Width != nil {
		t.Errorf("unknown width must stay NULL, got %v", *row.Width)
	}
}

func TestUpsertVariant_InvalidItemID(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	v := sampleUpsert()
	v.ItemID = "../../etc"
	if err := repo.UpsertVariant(context.Background(), v); !errors.Is(err, ErrInvalidItemID) {
		t.Errorf("expected ErrInvalidItemID, got %v", err)
	}
}

func TestRecordFailure(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.UpsertVariant(ctx, sampleUpsert()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.RecordFailure(ctx, "9780141439518", model.VariantExtraLarge, "UploadFailure: connection reset"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	// The failure row exists but never reaches the read path.
	failed, err := repo.GetVariant(ctx, "9780141439518", model.VariantExtraLarge)
	if err != nil {
		t.Fatalf("reading failure row: %v", err)
	}
	if failed.DownloadError == nil || *failed.DownloadError != "UploadFailure: connection reset" {
		t.Errorf("unexpected failure marker: %v", failed.DownloadError)
	}

	rows, err := repo.ListCandidates(ctx, "9780141439518")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(rows) != 1 || rows[0].Variant != model.VariantLarge {
		t.Errorf("expected only the successful large row, got %+v", rows)
	}
}

func TestRecordFailure_DoesNotClobberSuccess(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.UpsertVariant(ctx, sampleUpsert()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.RecordFailure(ctx, "9780141439518", model.VariantLarge, "DownloadFailure: HTTP 503"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	row, err := repo.GetVariant(ctx, "9780141439518", model.VariantLarge)
	if err != nil {
		t.Fatalf("reading row: %v", err)
	}
	if row.DownloadError != nil {
		t.Errorf("successful row must keep serving, got marker %q", *row.DownloadError)
	}
}

func TestRecordFailure_ThenSuccessfulRetry(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.RecordFailure(ctx, "9780141439518", model.VariantLarge, "UploadFailure: timeout"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := repo.RecordFailure(ctx, "9780141439518", model.VariantLarge, "UploadFailure: timeout again"); err != nil {
		t.Fatalf("record second failure: %v", err)
	}

	retry := sampleUpsert()
	retry.StorageKey = strPtr("covers/9780141439518-lg-google-books.jpg")
	if err := repo.UpsertVariant(ctx, retry); err != nil {
		t.Fatalf("upsert after failure: %v", err)
	}

	row, err := repo.GetVariant(ctx, "9780141439518", model.VariantLarge)
	if err != nil {
		t.Fatalf("reading row: %v", err)
	}
	if row.DownloadError != nil {
		t.Errorf("retry should clear the failure marker, got %q", *row.DownloadError)
	}
	if !row.StorageHeld() {
		t.Error("retry should store the key")
	}
}

func TestDeleteItem_Cascades(t *testing.T) {
	repo := NewCoverRepository(setupTestDB(t))
	ctx := context.Background()

	for _, v := range []model.Variant{model.VariantLarge, model.VariantThumbnail} {
		u := sampleUpsert()
		u.Variant = v
		if err := repo.UpsertVariant(ctx, u); err != nil {
			t.Fatalf("upsert %s: %v", v, err)
		}
	}
	if err := repo.DeleteItem(ctx, "9780141439518"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rows, err := repo.ListCandidates(ctx, "9780141439518")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected cascade to remove candidates, got %d", len(rows))
	}
	if _, err := repo.GetVariant(ctx, "9780141439518", model.VariantLarge); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCoverRepository(db)
	calls := NewProviderCallRepository(db)
	ctx := context.Background()

	held := sampleUpsert()
	held.StorageKey = strPtr("covers/9780141439518-lg-google-books.jpg")
	if err := repo.UpsertVariant(ctx, held); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hot := sampleUpsert()
	hot.ItemID = "other"
	if err := repo.UpsertVariant(ctx, hot); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.RecordFailure(ctx, "other", model.VariantThumbnail, "UnsafeUrl"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := calls.Create(ctx, &model.ProviderCall{ItemID: "other", Provider: "anthropic", Model: "m", Success: true}); err != nil {
		t.Fatalf("create call: %v", err)
	}

	s, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := model.Stats{Items: 2, Candidates: 2, StorageHeld: 1, Failed: 1, ProviderCalls: 1}
	if *s != want {
		t.Errorf("stats = %+v, want %+v", *s, want)
	}

	n, err := calls.CountByItem(ctx, "other")
	if err != nil || n != 1 {
		t.Errorf("CountByItem = %d, %v; want 1", n, err)
	}
}
