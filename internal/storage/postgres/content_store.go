package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// StreamUnembedded returns up to limit items of the given kind that have no
// stored vector under model, in stable (created_at, id) order. Discovery is
// an anti-join against the embeddings table, so items disappear from the
// stream the moment their vector lands — the property that makes pipeline
// runs resumable and idempotent.
func (s *Store) StreamUnembedded(ctx context.Context, kind types.ContentKind, model string, limit, offset int) ([]types.ContentItem, error) {
	if !kind.Valid() {
		return nil, storage.ErrInvalidInput
	}
	if limit <= 0 {
		return nil, nil
	}

	var query string
	switch kind {
	case types.KindMessage:
		query = `
			SELECT m.id, m.thread_id, '', m.content, m.created_at
			FROM messages m
			LEFT JOIN embeddings e
				ON e.target_kind = 'message' AND e.target_id = m.id AND e.model = $1
			WHERE e.id IS NULL
			ORDER BY m.created_at, m.id
			LIMIT $2 OFFSET $3`
	case types.KindMemoryCard:
		query = `
			SELECT c.id, '', COALESCE(c.title, ''), c.summary, c.created_at
			FROM memory_cards c
			LEFT JOIN embeddings e
				ON e.target_kind = 'memory_card' AND e.target_id = c.id AND e.model = $1
			WHERE e.id IS NULL
			ORDER BY c.created_at, c.id
			LIMIT $2 OFFSET $3`
	}

	rows, err := s.db.QueryContext(ctx, query, model, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: stream unembedded %s: %w", kind, err)
	}
	defer rows.Close()

	var items []types.ContentItem
	for rows.Next() {
		item := types.ContentItem{Kind: kind}
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.Title, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan unembedded %s: %w", kind, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stream unembedded %s: %w", kind, err)
	}
	return items, nil
}

// GetByID loads a single content item.
func (s *Store) GetByID(ctx context.Context, kind types.ContentKind, id string) (*types.ContentItem, error) {
	if !kind.Valid() || id == "" {
		return nil, storage.ErrInvalidInput
	}

	var query string
	switch kind {
	case types.KindMessage:
		query = `SELECT id, thread_id, '', content, created_at FROM messages WHERE id = $1`
	case types.KindMemoryCard:
		query = `SELECT id, '', COALESCE(title, ''), summary, created_at FROM memory_cards WHERE id = $1`
	}

	item := types.ContentItem{Kind: kind}
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&item.ID, &item.ThreadID, &item.Title, &item.Text, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s %s: %w", kind, id, err)
	}
	return &item, nil
}

// ThreadNeighbors returns the messages immediately before and after item in
// its thread. Ordering is (created_at, id) so messages sharing a timestamp
// still have a deterministic neighbor.
func (s *Store) ThreadNeighbors(ctx context.Context, threadID string, item *types.ContentItem) (*storage.ThreadNeighbors, error) {
	if threadID == "" || item == nil {
		return nil, storage.ErrInvalidInput
	}

	neighbors := &storage.ThreadNeighbors{}

	prev := types.ContentItem{Kind: types.KindMessage}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, content, created_at
		FROM messages
		WHERE thread_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, threadID, item.CreatedAt, item.ID).
		Scan(&prev.ID, &prev.ThreadID, &prev.Text, &prev.CreatedAt)
	switch {
	case err == nil:
		neighbors.Prev = &prev
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("postgres: previous message in thread %s: %w", threadID, err)
	}

	next := types.ContentItem{Kind: types.KindMessage}
	err = s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, content, created_at
		FROM messages
		WHERE thread_id = $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT 1`, threadID, item.CreatedAt, item.ID).
		Scan(&next.ID, &next.ThreadID, &next.Text, &next.CreatedAt)
	switch {
	case err == nil:
		neighbors.Next = &next
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("postgres: next message in thread %s: %w", threadID, err)
	}

	return neighbors, nil
}

// CountByKind returns the total number of items of the given kind.
func (s *Store) CountByKind(ctx context.Context, kind types.ContentKind) (int, error) {
	if !kind.Valid() {
		return 0, storage.ErrInvalidInput
	}

	table := "messages"
	if kind == types.KindMemoryCard {
		table = "memory_cards"
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", kind, err)
	}
	return n, nil
}
