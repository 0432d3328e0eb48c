// Package postgres provides Postgres-backed cover persistence. It mirrors the
// SQLite repository and adds SQL-side canonical selection for bulk reads.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/storage"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxIface is the subset of *pgxpool.Pool the store uses, so tests can
// substitute pgxmock.
type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// CoverStore implements storage.CoverRepository and
// storage.ProviderCallRepository on Postgres.
type CoverStore struct {
	pool pgxIface
}

var (
	_ storage.CoverRepository        = (*CoverStore)(nil)
	_ storage.ProviderCallRepository = (*CoverStore)(nil)
)

// NewCoverStore connects to Postgres using cfg.
func NewCoverStore(ctx context.Context, cfg Config) (*CoverStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CoverStore{pool: pool}, nil
}

// NewCoverStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCoverStoreWithPool(pool pgxIface) (*CoverStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CoverStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CoverStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS cover_candidates (
    id                 BIGSERIAL PRIMARY KEY,
    item_id            TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    variant            TEXT NOT NULL,
    url                TEXT,
    storage_key        TEXT,
    source             TEXT NOT NULL DEFAULT 'unknown',
    width              INTEGER,
    height             INTEGER,
    is_high_resolution BOOLEAN,
    is_grayscale       BOOLEAN,
    download_error     TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (item_id, variant)
);
CREATE TABLE IF NOT EXISTS provider_calls (
    id          BIGSERIAL PRIMARY KEY,
    item_id     TEXT NOT NULL,
    provider    TEXT NOT NULL,
    model       TEXT NOT NULL DEFAULT '',
    result_url  TEXT,
    success     BOOLEAN NOT NULL DEFAULT false,
    duration_ms BIGINT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_provider_calls_item ON provider_calls(item_id);
`

// Migrate applies the schema. Every statement is idempotent.
func (s *CoverStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

const insertItem = `INSERT INTO items (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`

const upsertVariant = `
INSERT INTO cover_candidates (
    item_id, variant, url, storage_key, source, width, height, is_high_resolution, is_grayscale
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (item_id, variant) DO UPDATE SET
    url = CASE
              WHEN EXCLUDED.storage_key IS NULL AND cover_candidates.storage_key IS NOT NULL
              THEN cover_candidates.url
              ELSE EXCLUDED.url
          END,
    storage_key        = COALESCE(EXCLUDED.storage_key, cover_candidates.storage_key),
    source             = EXCLUDED.source,
    width              = EXCLUDED.width,
    height             = EXCLUDED.height,
    is_high_resolution = EXCLUDED.is_high_resolution,
    is_grayscale       = EXCLUDED.is_grayscale,
    download_error     = NULL,
    updated_at         = now()
WHERE cover_candidates.download_error IS NOT NULL
   OR (EXCLUDED.storage_key IS NOT NULL AND cover_candidates.url IS DISTINCT FROM EXCLUDED.url)
   OR (cover_candidates.storage_key IS NULL AND cover_candidates.url IS DISTINCT FROM EXCLUDED.url)
   OR cover_candidates.storage_key IS DISTINCT FROM COALESCE(EXCLUDED.storage_key, cover_candidates.storage_key)
   OR cover_candidates.source IS DISTINCT FROM EXCLUDED.source
   OR cover_candidates.width IS DISTINCT FROM EXCLUDED.width
   OR cover_candidates.height IS DISTINCT FROM EXCLUDED.height
   OR cover_candidates.is_high_resolution IS DISTINCT FROM EXCLUDED.is_high_resolution
   OR cover_candidates.is_grayscale IS DISTINCT FROM EXCLUDED.is_grayscale`

// UpsertVariant writes one (item, variant) row, keeping an existing storage key.
func (s *CoverStore) UpsertVariant(ctx context.Context, v *model.VariantUpsert) error {
	if !storage.ValidItemID(v.ItemID) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidItemID, v.ItemID)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertItem, v.ItemID); err != nil {
			return fmt.Errorf("ensure item %s: %w", v.ItemID, err)
		}
		_, err := tx.Exec(ctx, upsertVariant,
			v.ItemID, string(v.Variant), v.URL, v.StorageKey, v.Source,
			v.Width, v.Height, v.IsHighResolution, v.IsGrayscale)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", v.ItemID, v.Variant, err)
		}
		return nil
	})
}

const recordFailure = `
INSERT INTO cover_candidates (item_id, variant, download_error)
VALUES ($1, $2, $3)
ON CONFLICT (item_id, variant) DO UPDATE SET
    download_error = EXCLUDED.download_error,
    updated_at     = now()
WHERE cover_candidates.download_error IS NOT NULL`

// RecordFailure writes a failure marker without touching a successful row.
func (s *CoverStore) RecordFailure(ctx context.Context, itemID string, variant model.Variant, reason string) error {
	if !storage.ValidItemID(itemID) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidItemID, itemID)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertItem, itemID); err != nil {
			return fmt.Errorf("ensure item %s: %w", itemID, err)
		}
		if _, err := tx.Exec(ctx, recordFailure, itemID, string(variant), reason); err != nil {
			return fmt.Errorf("record failure %s/%s: %w", itemID, variant, err)
		}
		return nil
	})
}

func (s *CoverStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const candidateColumns = `id, item_id, variant, url, storage_key, source, width, height,
    is_high_resolution, is_grayscale, download_error, created_at, updated_at`

const readableFilter = `download_error IS NULL AND url IS NOT NULL AND url <> ''`

// ListCandidates returns the rows the ranker may see.
func (s *CoverStore) ListCandidates(ctx context.Context, itemID string) ([]model.CoverCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candidateColumns+` FROM cover_candidates
		 WHERE item_id = $1 AND `+readableFilter+` ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []model.CoverCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetVariant returns one row, failure markers included.
func (s *CoverStore) GetVariant(ctx context.Context, itemID string, variant model.Variant) (*model.CoverCandidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM cover_candidates WHERE item_id = $1 AND variant = $2`,
		itemID, string(variant))
	c, err := scanCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", itemID, variant, err)
	}
	return &c, nil
}

// DeleteItem removes the item and, by cascade, its candidate rows.
func (s *CoverStore) DeleteItem(ctx context.Context, itemID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("delete item %s: %w", itemID, err)
	}
	return nil
}

// Stats returns persisted counts in a single round trip.
func (s *CoverStore) Stats(ctx context.Context) (*model.Stats, error) {
	var st model.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
    (SELECT COUNT(*) FROM items),
    (SELECT COUNT(*) FROM cover_candidates WHERE download_error IS NULL),
    (SELECT COUNT(*) FROM cover_candidates WHERE download_error IS NULL AND storage_key IS NOT NULL),
    (SELECT COUNT(*) FROM cover_candidates WHERE download_error IS NOT NULL),
    (SELECT COUNT(*) FROM provider_calls)`).
		Scan(&st.Items, &st.Candidates, &st.StorageHeld, &st.Failed, &st.ProviderCalls)
	if err != nil {
		return nil, fmt.Errorf("compute stats: %w", err)
	}
	return &st, nil
}

// Create records a provider call.
func (s *CoverStore) Create(ctx context.Context, call *model.ProviderCall) error {
	err := s.pool.QueryRow(ctx, `
INSERT INTO provider_calls (item_id, provider, model, result_url, success, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		call.ItemID, call.Provider, call.Model, call.ResultURL, call.Success, call.DurationMs).
		Scan(&call.ID)
	if err != nil {
		return fmt.Errorf("create provider call: %w", err)
	}
	return nil
}

// CountByItem counts provider calls made for an item.
func (s *CoverStore) CountByItem(ctx context.Context, itemID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM provider_calls WHERE item_id = $1`, itemID).Scan(&n)
	return n, err
}

func scanCandidate(row pgx.Row) (model.CoverCandidate, error) {
	var (
		c       model.CoverCandidate
		variant string
	)
	err := row.Scan(
		&c.ID, &c.ItemID, &variant, &c.URL, &c.StorageKey, &c.Source, &c.Width, &c.Height,
		&c.IsHighResolution, &c.IsGrayscale, &c.DownloadError, &c.CreatedAt, &c.UpdatedAt,
	)
	c.Variant = model.Variant(variant)
	return c, err
}
