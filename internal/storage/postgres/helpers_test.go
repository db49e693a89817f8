package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all content and embedding rows. Defined in the
// postgres package so it can reach the unexported db field; exported so the
// postgres_test package can call it between tests.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"TRUNCATE TABLE embeddings, messages, memory_cards, threads RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("postgres: truncate test tables: %w", err)
	}
	return nil
}

// SeedThreadForTest inserts a thread row for tests.
func (s *Store) SeedThreadForTest(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO threads (id) VALUES ($1)", id)
	return err
}

// SeedMessageForTest inserts a message row for tests.
func (s *Store) SeedMessageForTest(ctx context.Context, id, threadID, content string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, thread_id, content) VALUES ($1, $2, $3)", id, threadID, content)
	return err
}

// SeedCardForTest inserts a memory card row for tests.
func (s *Store) SeedCardForTest(ctx context.Context, id, title, summary string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO memory_cards (id, title, summary) VALUES ($1, $2, $3)", id, title, summary)
	return err
}
