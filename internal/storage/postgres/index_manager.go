package postgres

import (
	"context"
	"fmt"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

const (
	vectorIndexName = "idx_embeddings_hnsw_cosine"

	// HNSW graph parameters. m is the per-node edge count and
	// ef_construction the build-time beam width; both only take effect at
	// index build time, so changing them requires a reindex.
	hnswM              = 16
	hnswEfConstruction = 64

	maxEfSearch = 1000
)

// EnsureIndex creates the HNSW cosine index over the embeddings table if it
// does not already exist. Building on a populated table is slow but safe;
// inserts after the build are indexed incrementally.
func (s *Store) EnsureIndex(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON embeddings USING hnsw (embedding vector_cosine_ops)
		WITH (m = %d, ef_construction = %d)`,
		vectorIndexName, hnswM, hnswEfConstruction)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: create vector index: %w", err)
	}
	return nil
}

// Optimize adjusts the HNSW search beam width used by subsequent vector
// searches and refreshes planner statistics. Larger values trade latency
// for recall.
func (s *Store) Optimize(ctx context.Context, efSearch int) error {
	if efSearch < 1 || efSearch > maxEfSearch {
		return types.InputErrorf("ef_search must be in [1, %d], got %d", maxEfSearch, efSearch)
	}
	s.efSearch.Store(int32(efSearch))

	if _, err := s.db.ExecContext(ctx, "ANALYZE embeddings"); err != nil {
		return fmt.Errorf("postgres: analyze embeddings: %w", err)
	}
	return nil
}

// Stats reports the vector index's existence, row count, and on-disk sizes.
func (s *Store) Stats(ctx context.Context) (*storage.IndexStats, error) {
	st := &storage.IndexStats{IndexName: vectorIndexName}

	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)`,
		vectorIndexName).Scan(&st.Exists)
	if err != nil {
		return nil, fmt.Errorf("postgres: check vector index: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&st.RowCount); err != nil {
		return nil, fmt.Errorf("postgres: count embeddings: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT pg_total_relation_size('embeddings')`).Scan(&st.TableSizeBytes); err != nil {
		return nil, fmt.Errorf("postgres: embeddings table size: %w", err)
	}

	if st.Exists {
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT pg_relation_size('%s')", vectorIndexName)).Scan(&st.IndexSizeBytes); err != nil {
			return nil, fmt.Errorf("postgres: vector index size: %w", err)
		}
	}

	return st, nil
}
