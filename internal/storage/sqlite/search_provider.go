package sqlite

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// vectorScanMaxCandidates caps the number of embeddings loaded into memory
// during a vector search. Candidates are selected newest first, so recent
// content is always considered. Personal-scale datasets never hit this cap;
// beyond it, use the PostgreSQL backend with its HNSW index.
const vectorScanMaxCandidates = 10_000

// Rank runs FTS5 full-text search over message content. FTS5's bm25 rank is
// negative (more negative is better), so it is negated into the positive
// "higher is better" scale the fusion layer expects.
func (s *Store) Rank(ctx context.Context, query string, k int) ([]storage.LexicalHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, storage.ErrInvalidInput
	}
	if k <= 0 {
		return nil, nil
	}

	ftsQuery := sanitiseFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, -fts.rank, m.created_at
		FROM messages_fts fts
		JOIN messages m ON m.rowid = fts.rowid
		WHERE messages_fts MATCH ?
		ORDER BY fts.rank, m.id
		LIMIT ?`, ftsQuery, k)
	if err != nil {
		return nil, fmt.Errorf("sqlite: full-text search MATCH %q: %w", query, err)
	}
	defer rows.Close()

	var hits []storage.LexicalHit
	for rows.Next() {
		var h storage.LexicalHit
		if err := rows.Scan(&h.ID, &h.Rank, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan full-text hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: full-text search: %w", err)
	}
	return hits, nil
}

// Nearest returns the k stored vectors of kind closest to vec by cosine
// distance. Vectors are scanned in Go memory; orphaned embeddings whose
// content row is gone are excluded by the join.
func (s *Store) Nearest(ctx context.Context, vec []float32, kind types.ContentKind, k int) ([]storage.VectorHit, error) {
	if len(vec) == 0 || !kind.Valid() {
		return nil, storage.ErrInvalidInput
	}
	if k <= 0 {
		return nil, nil
	}

	var query string
	switch kind {
	case types.KindMessage:
		query = `
			SELECT e.target_id, e.embedding, e.dim, m.created_at
			FROM embeddings e
			JOIN messages m ON m.id = e.target_id
			WHERE e.target_kind = 'message'
			ORDER BY m.created_at DESC
			LIMIT ?`
	case types.KindMemoryCard:
		query = `
			SELECT e.target_id, e.embedding, e.dim, c.created_at
			FROM embeddings e
			JOIN memory_cards c ON c.id = e.target_id
			WHERE e.target_kind = 'memory_card'
			ORDER BY c.created_at DESC
			LIMIT ?`
	}

	rows, err := s.db.QueryContext(ctx, query, vectorScanMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load embeddings: %w", err)
	}
	defer rows.Close()

	var hits []storage.VectorHit
	for rows.Next() {
		var h storage.VectorHit
		var blob []byte
		var dim int
		if err := rows.Scan(&h.ID, &blob, &dim, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan embedding: %w", err)
		}
		stored, err := unpackVector(blob, dim)
		if err != nil {
			// A corrupt blob should not take down the whole search.
			continue
		}
		h.Distance = 1 - cosineSimilarity(vec, stored)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector search: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 when either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sanitiseFTSQuery converts free-form user input into a safe FTS5 MATCH
// expression. FTS5 syntax is fragile: an unbalanced quote or stray operator
// keyword causes "fts5: syntax error", so each word becomes a quoted prefix
// term joined with OR.
func sanitiseFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
		`.`, ` `,
		`,`, ` `,
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(query)))

	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " OR ")
}
