// Package storage provides composable storage interfaces for the Keepsake
// retrieval core. Interfaces are small and focused so backends can implement
// them independently: the PostgreSQL backend implements everything including
// ANN index maintenance, the SQLite backend implements everything except
// index maintenance (its vector search is an exact scan).
package storage

import (
	"context"

	"github.com/keepsake-sh/keepsake/pkg/types"
)

// ContentStore provides read access to normalized content items. Content is
// created by ingestion and is immutable from the retrieval core's point of
// view.
type ContentStore interface {
	// StreamUnembedded returns up to limit items of the given kind that have
	// no embedding record for model, skipping offset rows. The result set is
	// an anti-join against the embeddings table, so successfully embedded
	// items drop out of subsequent pulls on their own.
	StreamUnembedded(ctx context.Context, kind types.ContentKind, model string, limit, offset int) ([]types.ContentItem, error)

	// GetByID fetches a single item. Returns ErrNotFound when the item does
	// not exist (e.g. deleted after indexing).
	GetByID(ctx context.Context, kind types.ContentKind, id string) (*types.ContentItem, error)

	// ThreadNeighbors returns the immediate chronological predecessor and
	// successor of the message identified by (threadID, createdAt, id).
	// Timestamp ties are broken by identifier ordering. A missing neighbor
	// is nil, not an error.
	ThreadNeighbors(ctx context.Context, threadID string, item *types.ContentItem) (*ThreadNeighbors, error)

	// CountByKind returns the total number of items of the given kind.
	CountByKind(ctx context.Context, kind types.ContentKind) (int, error)
}

// EmbeddingStore persists embedding records. Upsert on the
// (target_kind, target_id, model) conflict key is the sole mutation
// discipline; concurrent pipeline runs converge instead of racing.
type EmbeddingStore interface {
	// UpsertEmbeddings inserts or overwrites the given records and returns
	// the number written. Running it twice with the same records leaves
	// exactly one row per triple.
	UpsertEmbeddings(ctx context.Context, records []types.EmbeddingRecord) (int, error)

	// CountEmbedded returns how many items of kind have a record for model.
	CountEmbedded(ctx context.Context, kind types.ContentKind, model string) (int, error)

	// ModelCounts returns the number of stored embeddings per model.
	ModelCounts(ctx context.Context) (map[string]int, error)
}

// LexicalSearcher ranks message content against a query using a relevance
// ranking over tokenized text (tsvector/ts_rank on PostgreSQL, FTS5 bm25 on
// SQLite). Raw ranks are backend-specific and must be normalized before
// they are compared with anything else.
type LexicalSearcher interface {
	Rank(ctx context.Context, query string, k int) ([]LexicalHit, error)
}

// VectorSearcher returns the k nearest stored embeddings of a kind by
// cosine distance. The retrieval core is index-agnostic: HNSW, IVF, or an
// exact scan are all acceptable behind this interface.
type VectorSearcher interface {
	Nearest(ctx context.Context, vec []float32, kind types.ContentKind, k int) ([]VectorHit, error)
}

// IndexManager maintains the ANN index over stored vectors. It is an
// operational sidecar invoked out-of-band from query serving.
type IndexManager interface {
	// EnsureIndex creates the index when missing. Calling it when the index
	// already exists is a no-op, not an error.
	EnsureIndex(ctx context.Context) error

	// Optimize adjusts the search-time recall/latency trade-off. It must not
	// block concurrent reads or writes beyond a brief maintenance window.
	Optimize(ctx context.Context, efSearch int) error

	// Stats reports row count and on-disk sizes for the index.
	Stats(ctx context.Context) (*IndexStats, error)
}
