package sqlite

import (
	"context"
	"fmt"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

const maxEfSearch = 1000

// EnsureIndex is a no-op: the SQLite backend ranks vectors with a
// brute-force scan and has no approximate index to build.
func (s *Store) EnsureIndex(ctx context.Context) error {
	return nil
}

// Optimize validates the requested beam width for interface parity and runs
// ANALYZE so the query planner has fresh statistics. The beam width itself
// has no effect on a brute-force scan.
func (s *Store) Optimize(ctx context.Context, efSearch int) error {
	if efSearch < 1 || efSearch > maxEfSearch {
		return types.InputErrorf("ef_search must be in [1, %d], got %d", maxEfSearch, efSearch)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("sqlite: analyze: %w", err)
	}
	return nil
}

// Stats reports row counts for the embeddings table. Exists stays false:
// there is no vector index on this backend.
func (s *Store) Stats(ctx context.Context) (*storage.IndexStats, error) {
	st := &storage.IndexStats{IndexName: "brute-force-scan"}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&st.RowCount); err != nil {
		return nil, fmt.Errorf("sqlite: count embeddings: %w", err)
	}
	return st, nil
}
