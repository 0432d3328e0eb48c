package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/fleveque/cover-service/internal/model"
	"github.com/fleveque/cover-service/internal/ranking"
)

// canonicalQuery picks one row per item with ROW_NUMBER over the same
// ordering ranking.Compare applies in process, plus the best-ranked
// hotlinked URL that differs from the winner's as fallback_url. $1 is the
// item id list and $2 the preview-page markers.
var canonicalQuery = buildCanonicalQuery()

func buildCanonicalQuery() string {
	return fmt.Sprintf(`
WITH scored AS (
    SELECT %[1]s,
        CASE WHEN width IS NOT NULL AND height IS NOT NULL
                  AND width >= %[2]d AND height >= %[3]d
                  AND height::float8 / width BETWEEN %[4]g AND %[5]g
                  AND NOT EXISTS (SELECT 1 FROM unnest($2::text[]) AS m(marker) WHERE strpos(url, m.marker) > 0)
             THEN 0 ELSE 1 END AS quality_rank,
        %[6]s AS priority
    FROM cover_candidates
    WHERE item_id = ANY($1) AND %[7]s
), ordered AS (
    SELECT *, ROW_NUMBER() OVER (
        PARTITION BY item_id
        ORDER BY quality_rank,
                 CASE WHEN quality_rank = 0 THEN priority END,
                 CASE WHEN quality_rank = 0 THEN height END DESC,
                 CASE WHEN quality_rank = 0 THEN width END DESC,
                 CASE WHEN quality_rank = 1 THEN COALESCE(width, 0)::bigint * COALESCE(height, 0) END DESC,
                 created_at DESC,
                 id
    ) AS rn
    FROM scored
)
SELECT %[8]s,
    (SELECT f.url FROM ordered f
     WHERE f.item_id = c.item_id AND f.rn > 1
       AND (f.storage_key IS NULL OR f.storage_key = '')
       AND f.url <> c.url
     ORDER BY f.rn LIMIT 1) AS fallback_url
FROM ordered c WHERE c.rn = 1`,
		candidateColumns,
		ranking.MinStrictWidth, ranking.MinStrictHeight,
		ranking.MinAspectRatio, ranking.MaxAspectRatio,
		priorityExpr(),
		readableFilter,
		qualify("c", candidateColumns),
	)
}

// qualify prefixes each column in a comma-separated list with alias.
func qualify(alias, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}

// priorityExpr renders ranking.Priority as SQL.
func priorityExpr() string {
	variants := make([]model.Variant, 0, len(ranking.VariantHierarchy))
	for v := range ranking.VariantHierarchy {
		variants = append(variants, v)
	}
	slices.SortFunc(variants, func(a, b model.Variant) int {
		return ranking.VariantRank(a) - ranking.VariantRank(b)
	})

	var b strings.Builder
	b.WriteString("CASE variant")
	for _, v := range variants {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", v, ranking.VariantRank(v))
	}
	fmt.Fprintf(&b, " ELSE %d END", ranking.OtherVariantRank)

	return fmt.Sprintf(
		"(CASE WHEN storage_key IS NOT NULL AND storage_key <> '' THEN 0 ELSE %s END) * %d"+
			" + (CASE WHEN is_high_resolution IS NULL THEN 2 WHEN is_high_resolution THEN 0 ELSE 1 END) * %d"+
			" + (CASE WHEN is_grayscale THEN 1 ELSE 0 END) * %d",
		b.String(), ranking.BucketWeight, ranking.ResolutionWeight, ranking.GrayscaleWeight)
}

// CanonicalCovers returns the ranking result for each item that has a
// readable row. Items with no readable rows are absent from the map.
func (s *CoverStore) CanonicalCovers(ctx context.Context, itemIDs []string) (map[string]ranking.Result, error) {
	out := make(map[string]ranking.Result, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, canonicalQuery, itemIDs, ranking.PreviewPageMarkers)
	if err != nil {
		return nil, fmt.Errorf("select canonical covers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c        model.CoverCandidate
			variant  string
			fallback *string
		)
		err := rows.Scan(
			&c.ID, &c.ItemID, &variant, &c.URL, &c.StorageKey, &c.Source, &c.Width, &c.Height,
			&c.IsHighResolution, &c.IsGrayscale, &c.DownloadError, &c.CreatedAt, &c.UpdatedAt,
			&fallback,
		)
		if err != nil {
			return nil, fmt.Errorf("scan canonical cover: %w", err)
		}
		c.Variant = model.Variant(variant)
		res := ranking.Result{Canonical: &c}
		if fallback != nil {
			res.FallbackURL = *fallback
		}
		out[c.ItemID] = res
	}
	return out, rows.Err()
}
