package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// Rank runs full-text search over message content and returns hits in
// descending relevance order. plainto_tsquery treats the query as plain
// words, so user input never needs tsquery escaping.
func (s *Store) Rank(ctx context.Context, query string, k int) ([]storage.LexicalHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, storage.ErrInvalidInput
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id,
		       ts_rank(content_tsv, plainto_tsquery('english', $1)) AS rank,
		       created_at
		FROM messages
		WHERE content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC, id
		LIMIT $2`, query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: full-text search: %w", err)
	}
	defer rows.Close()

	var hits []storage.LexicalHit
	for rows.Next() {
		var h storage.LexicalHit
		if err := rows.Scan(&h.ID, &h.Rank, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan full-text hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: full-text search: %w", err)
	}
	return hits, nil
}

// Nearest returns the k stored vectors of kind closest to vec by cosine
// distance. The query runs in a transaction so the HNSW beam width applies
// with SET LOCAL and never leaks to other sessions on the pool. Targets
// whose content row has been deleted are excluded.
func (s *Store) Nearest(ctx context.Context, vec []float32, kind types.ContentKind, k int) ([]storage.VectorHit, error) {
	if len(vec) == 0 || !kind.Valid() {
		return nil, storage.ErrInvalidInput
	}
	if k <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin vector search: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", s.efSearch.Load())); err != nil {
		return nil, fmt.Errorf("postgres: set search beam width: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT e.target_id,
		       e.embedding <=> $1 AS distance,
		       COALESCE(m.created_at, c.created_at, e.created_at)
		FROM embeddings e
		LEFT JOIN messages m ON e.target_kind = 'message' AND m.id = e.target_id
		LEFT JOIN memory_cards c ON e.target_kind = 'memory_card' AND c.id = e.target_id
		WHERE e.target_kind = $2
		  AND (m.id IS NOT NULL OR c.id IS NOT NULL)
		ORDER BY e.embedding <=> $1
		LIMIT $3`, pgvector.NewVector(vec), string(kind), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()

	var hits []storage.VectorHit
	for rows.Next() {
		var h storage.VectorHit
		if err := rows.Scan(&h.ID, &h.Distance, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit vector search: %w", err)
	}
	return hits, nil
}
