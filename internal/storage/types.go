package storage

import (
	"errors"
	"time"

	"github.com/keepsake-sh/keepsake/pkg/types"
)

// Sentinel errors shared by all storage backends.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a malformed argument (empty ID, bad kind).
	ErrInvalidInput = errors.New("invalid input")
)

// LexicalHit is one result from the lexical ranking path. Rank is the raw
// backend relevance value, higher is better; it is only meaningful relative
// to other hits in the same result set.
type LexicalHit struct {
	ID        string
	Rank      float64
	CreatedAt time.Time
}

// VectorHit is one result from the vector similarity path. Distance is a
// cosine-style distance in roughly [0,2], lower is better.
type VectorHit struct {
	ID        string
	Distance  float64
	CreatedAt time.Time
}

// ThreadNeighbors holds the immediate chronological neighbors of a message
// within its thread. Either side may be nil at the thread boundary.
type ThreadNeighbors struct {
	Prev *types.ContentItem
	Next *types.ContentItem
}

// IndexStats reports on the ANN index over stored vectors.
type IndexStats struct {
	IndexName      string `json:"index_name"`
	RowCount       int    `json:"row_count"`
	IndexSizeBytes int64  `json:"index_size_bytes"`
	TableSizeBytes int64  `json:"table_size_bytes"`
	Exists         bool   `json:"exists"`
}

// EmbeddingStats summarizes embedding coverage for one content kind.
type EmbeddingStats struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
	Pending  int `json:"pending"`
}
