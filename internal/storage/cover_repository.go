package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/fleveque/cover-service/internal/model"
)

// ErrNotFound is returned when a row doesn't exist.
// Callers check with errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("cover not found")

// CoverRepository persists cover candidate rows. Every write is an upsert on
// (item_id, variant); the only delete path is DeleteItem, which cascades.
type CoverRepository interface {
	UpsertVariant(ctx context.Context, v *model.VariantUpsert) error
	RecordFailure(ctx context.Context, itemID string, variant model.Variant, reason string) error
	ListCandidates(ctx context.Context, itemID string) ([]model.CoverCandidate, error)
	GetVariant(ctx context.Context, itemID string, variant model.Variant) (*model.CoverCandidate, error)
	DeleteItem(ctx context.Context, itemID string) error
	Stats(ctx context.Context) (*model.Stats, error)
}

// sqliteCoverRepository is the SQLite implementation of CoverRepository.
// Only the interface is exported.
type sqliteCoverRepository struct {
	db *sqlx.DB
}

// NewCoverRepository creates a new SQLite-backed CoverRepository.
func NewCoverRepository(db *sqlx.DB) CoverRepository {
	return &sqliteCoverRepository{db: db}
}

const insertItem = `INSERT INTO items (id) VALUES (?) ON CONFLICT(id) DO NOTHING`

// upsertVariant overwrites scalar fields on conflict but keeps an existing
// storage_key when the new one is NULL. A hotlink written over a storage-held
// row also keeps the stored url, so key and url always describe the same
// bytes. The WHERE clause skips the update entirely when nothing would
// change, so repeating a call is a no-op.
const upsertVariant = `
INSERT INTO cover_candidates (
    item_id, variant, url, storage_key, source, width, height, is_high_resolution, is_grayscale
) VALUES (
    :item_id, :variant, :url, :storage_key, :source, :width, :height, :is_high_resolution, :is_grayscale
)
ON CONFLICT(item_id, variant) DO UPDATE SET
    url                = CASE
                             WHEN excluded.storage_key IS NULL AND cover_candidates.storage_key IS NOT NULL
                             THEN cover_candidates.url
                             ELSE excluded.url
                         END,
    storage_key        = COALESCE(excluded.storage_key, cover_candidates.storage_key),
    source             = excluded.source,
    width              = excluded.width,
    height             = excluded.height,
    is_high_resolution = excluded.is_high_resolution,
    is_grayscale       = excluded.is_grayscale,
    download_error     = NULL,
    updated_at         = CURRENT_TIMESTAMP
WHERE cover_candidates.download_error IS NOT NULL
   OR (excluded.storage_key IS NOT NULL AND cover_candidates.url IS NOT excluded.url)
   OR (cover_candidates.storage_key IS NULL AND cover_candidates.url IS NOT excluded.url)
   OR cover_candidates.storage_key IS NOT COALESCE(excluded.storage_key, cover_candidates.storage_key)
   OR cover_candidates.source IS NOT excluded.source
   OR cover_candidates.width IS NOT excluded.width
   OR cover_candidates.height IS NOT excluded.height
   OR cover_candidates.is_high_resolution IS NOT excluded.is_high_resolution
   OR cover_candidates.is_grayscale IS NOT excluded.is_grayscale
`

func (r *sqliteCoverRepository) UpsertVariant(ctx context.Context, v *model.VariantUpsert) error {
	if !ValidItemID(v.ItemID) {
		return fmt.Errorf("%w: %q", ErrInvalidItemID, v.ItemID)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertItem, v.ItemID); err != nil {
		return fmt.Errorf("ensuring item %s: %w", v.ItemID, err)
	}
	if _, err := tx.NamedExecContext(ctx, upsertVariant, v); err != nil {
		return fmt.Errorf("upserting %s/%s: %w", v.ItemID, v.Variant, err)
	}
	return tx.Commit()
}

// recordFailure only lands on a new row or on a row that is already a
// failure marker. A successful row for the same variant is left alone.
const recordFailure = `
INSERT INTO cover_candidates (item_id, variant, download_error)
VALUES (?, ?, ?)
ON CONFLICT(item_id, variant) DO UPDATE SET
    download_error = excluded.download_error,
    updated_at     = CURRENT_TIMESTAMP
WHERE cover_candidates.download_error IS NOT NULL
`

func (r *sqliteCoverRepository) RecordFailure(ctx context.Context, itemID string, variant model.Variant, reason string) error {
	if !ValidItemID(itemID) {
		return fmt.Errorf("%w: %q", ErrInvalidItemID, itemID)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning failure record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertItem, itemID); err != nil {
		return fmt.Errorf("ensuring item %s: %w", itemID, err)
	}
	if _, err := tx.ExecContext(ctx, recordFailure, itemID, variant, reason); err != nil {
		return fmt.Errorf("recording failure for %s/%s: %w", itemID, variant, err)
	}
	return tx.Commit()
}

// ListCandidates returns the rows the ranker may see: no failure marker and
// a non-empty URL.
func (r *sqliteCoverRepository) ListCandidates(ctx context.Context, itemID string) ([]model.CoverCandidate, error) {
	var rows []model.CoverCandidate
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM cover_candidates
		WHERE item_id = ? AND download_error IS NULL AND url IS NOT NULL AND url <> ''
		ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing candidates for %s: %w", itemID, err)
	}
	return rows, nil
}

func (r *sqliteCoverRepository) GetVariant(ctx context.Context, itemID string, variant model.Variant) (*model.CoverCandidate, error) {
	var c model.CoverCandidate
	err := r.db.GetContext(ctx, &c,
		"SELECT * FROM cover_candidates WHERE item_id = ? AND variant = ?", itemID, variant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", itemID, variant, err)
	}
	return &c, nil
}

func (r *sqliteCoverRepository) DeleteItem(ctx context.Context, itemID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", itemID); err != nil {
		return fmt.Errorf("deleting item %s: %w", itemID, err)
	}
	return nil
}

func (r *sqliteCoverRepository) Stats(ctx context.Context) (*model.Stats, error) {
	var s model.Stats
	queries := []struct {
		dest  *int64
		query string
	}{
		{&s.Items, "SELECT COUNT(*) FROM items"},
		{&s.Candidates, "SELECT COUNT(*) FROM cover_candidates WHERE download_error IS NULL"},
		{&s.StorageHeld, "SELECT COUNT(*) FROM cover_candidates WHERE download_error IS NULL AND storage_key IS NOT NULL"},
		{&s.Failed, "SELECT COUNT(*) FROM cover_candidates WHERE download_error IS NOT NULL"},
		{&s.ProviderCalls, "SELECT COUNT(*) FROM provider_calls"},
	}
	for _, q := range queries {
		if err := r.db.GetContext(ctx, q.dest, q.query); err != nil {
			return nil, fmt.Errorf("computing stats: %w", err)
		}
	}
	return &s, nil
}

// ProviderCallRepository records calls to paid or rate-limited providers.
type ProviderCallRepository interface {
	Create(ctx context.Context, call *model.ProviderCall) error
	CountByItem(ctx context.Context, itemID string) (int64, error)
}

type sqliteProviderCallRepository struct {
	db *sqlx.DB
}

// NewProviderCallRepository creates a new SQLite-backed ProviderCallRepository.
func NewProviderCallRepository(db *sqlx.DB) ProviderCallRepository {
	return &sqliteProviderCallRepository{db: db}
}

func (r *sqliteProviderCallRepository) Create(ctx context.Context, call *model.ProviderCall) error {
	result, err := r.db.NamedExecContext(ctx, `
		INSERT INTO provider_calls (item_id, provider, model, result_url, success, duration_ms)
		VALUES (:item_id, :provider, :model, :result_url, :success, :duration_ms)
	`, call)
	if err != nil {
		return fmt.Errorf("creating provider call: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	call.ID = id
	return nil
}

func (r *sqliteProviderCallRepository) CountByItem(ctx context.Context, itemID string) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM provider_calls WHERE item_id = ?", itemID)
	return count, err
}
