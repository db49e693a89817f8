package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// UpsertEmbeddings stores records in one transaction, overwriting any
// existing vector for the same (target_kind, target_id, model). The whole
// batch lands or none of it does.
func (s *Store) UpsertEmbeddings(ctx context.Context, records []types.EmbeddingRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if !r.TargetKind.Valid() || r.TargetID == "" || r.Model == "" {
			return 0, storage.ErrInvalidInput
		}
		if len(r.Vector) == 0 || len(r.Vector) != r.Dim {
			return 0, fmt.Errorf("%w: vector length %d does not match dim %d",
				storage.ErrInvalidInput, len(r.Vector), r.Dim)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin upsert: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO embeddings (target_kind, target_id, model, dim, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target_kind, target_id, model) DO UPDATE SET
			dim = excluded.dim,
			embedding = excluded.embedding,
			updated_at = CURRENT_TIMESTAMP`

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, query,
			string(r.TargetKind), r.TargetID, r.Model, r.Dim, packVector(r.Vector)); err != nil {
			return 0, fmt.Errorf("sqlite: upsert embedding %s %s: %w", r.TargetKind, r.TargetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit upsert: %w", err)
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
		`SELECT COUNT(*) FROM embeddings WHERE target_kind = ? AND model = ?`,
		string(kind), model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count embedded %s: %w", kind, err)
	}
	return n, nil
}

// ModelCounts returns the number of stored vectors per model.
func (s *Store) ModelCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, COUNT(*) FROM embeddings GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: model counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan model count: %w", err)
		}
		counts[model] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: model counts: %w", err)
	}
	return counts, nil
}

// packVector serializes a float32 slice as little-endian bytes.
func packVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// unpackVector deserializes a little-endian float32 blob, validating its
// size against dim.
func unpackVector(buf []byte, dim int) ([]float32, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dim)
	}
	if len(buf) != dim*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dim*4, len(buf))
	}
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
