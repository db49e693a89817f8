package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// UpsertEmbeddings stores records in one transaction, overwriting any
// existing vector for the same (target_kind, target_id, model). The whole
// batch lands or none of it does, so an interrupted pipeline run never
// leaves a half-written batch behind.
func (s *Store) UpsertEmbeddings(ctx context.Context, records []types.EmbeddingRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if !r.TargetKind.Valid() || r.TargetID == "" || r.Model == "" {
			return 0, storage.ErrInvalidInput
		}
		if r.Dim != s.dim {
			return 0, fmt.Errorf("postgres: embedding dim %d does not match column dim %d: %w",
				r.Dim, s.dim, storage.ErrInvalidInput)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (target_kind, target_id, model, dim, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (target_kind, target_id, model)
		DO UPDATE SET dim = EXCLUDED.dim, embedding = EXCLUDED.embedding, updated_at = NOW()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, string(r.TargetKind), r.TargetID, r.Model, r.Dim,
			pgvector.NewVector(r.Vector)); err != nil {
			return 0, fmt.Errorf("postgres: upsert embedding %s %s: %w", r.TargetKind, r.TargetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres: commit upsert: %w", err)
	}
	return len(records), nil
}

// CountEmbedded returns how many items of kind have a vector under model.
func (s *Store) CountEmbedded(ctx context.Context, kind types.ContentKind, model string) (int, error) {
	if !kind.Valid() {
		return 0, storage.ErrInvalidInput
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE target_kind = $1 AND model = $2`,
		string(kind), model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count embedded %s: %w", kind, err)
	}
	return n, nil
}

// ModelCounts returns the number of stored vectors per model.
func (s *Store) ModelCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, COUNT(*) FROM embeddings GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("postgres: model counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan model count: %w", err)
		}
		counts[model] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: model counts: %w", err)
	}
	return counts, nil
}
