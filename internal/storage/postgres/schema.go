// Package postgres provides the PostgreSQL implementation of the storage
// interfaces: content tables with tsvector full-text search and a pgvector
// embeddings table with an HNSW index.
package postgres

import "fmt"

// schemaTemplate creates all keepsake tables. Every statement is idempotent
// so the schema can be applied on every startup. The embedding column is
// dimension-typed because HNSW indexes require a declared dimension; %d is
// the configured embedding dimension.
const schemaTemplate = `
-- Threads: ordered conversations that group messages.
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Messages: single conversational turns. Ingestion writes these; the
-- retrieval core only reads them.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role TEXT,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_created
    ON messages(thread_id, created_at, id);

-- Memory cards: derived summaries distilled from one or more threads.
CREATE TABLE IF NOT EXISTS memory_cards (
    id TEXT PRIMARY KEY,
    title TEXT,
    summary TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Embeddings: one vector per (target_kind, target_id, model). Re-embedding
-- overwrites in place via the unique constraint.
CREATE TABLE IF NOT EXISTS embeddings (
    id BIGSERIAL PRIMARY KEY,
    target_kind TEXT NOT NULL,
    target_id TEXT NOT NULL,
    model TEXT NOT NULL,
    dim INTEGER NOT NULL,
    embedding vector(%d) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (target_kind, target_id, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);
CREATE INDEX IF NOT EXISTS idx_embeddings_target ON embeddings(target_kind, target_id);
`

// migrationFTS adds tsvector full-text search over message content. The
// column is kept in sync by trigger so ingestion never has to think about it.
const migrationFTS = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'messages' AND column_name = 'content_tsv'
    ) THEN
        ALTER TABLE messages ADD COLUMN content_tsv tsvector;
    END IF;
END
$$;

UPDATE messages SET content_tsv = to_tsvector('english', content) WHERE content_tsv IS NULL;

CREATE INDEX IF NOT EXISTS idx_messages_content_tsv ON messages USING GIN(content_tsv);

CREATE OR REPLACE FUNCTION messages_tsv_update()
RETURNS TRIGGER AS $$
BEGIN
    NEW.content_tsv := to_tsvector('english', COALESCE(NEW.content, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS messages_tsv_trigger ON messages;
CREATE TRIGGER messages_tsv_trigger
    BEFORE INSERT OR UPDATE OF content
    ON messages
    FOR EACH ROW
    EXECUTE FUNCTION messages_tsv_update();
`

// schema renders the dimension-typed schema.
func schema(dim int) string {
	return fmt.Sprintf(schemaTemplate, dim)
}
