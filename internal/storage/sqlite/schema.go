// Package sqlite provides the embedded SQLite implementation of the storage
// interfaces. Full-text search uses an FTS5 virtual table kept in sync by
// triggers; vector search is a brute-force cosine scan over blob-packed
// float32 vectors, which is fine for personal-scale datasets.
package sqlite

// Schema creates all keepsake tables. Every statement is idempotent so the
// schema can be applied on every startup.
const Schema = `
-- Threads: ordered conversations that group messages.
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Messages: single conversational turns.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role TEXT,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_created
    ON messages(thread_id, created_at, id);

-- Memory cards: derived summaries.
CREATE TABLE IF NOT EXISTS memory_cards (
    id TEXT PRIMARY KEY,
    title TEXT,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Embeddings: one vector per (target_kind, target_id, model), packed as a
-- little-endian float32 blob.
CREATE TABLE IF NOT EXISTS embeddings (
    target_kind TEXT NOT NULL,
    target_id TEXT NOT NULL,
    model TEXT NOT NULL,
    dim INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (target_kind, target_id, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

-- FTS5 virtual table over message content, kept in sync by triggers so
-- ingestion never has to think about it.
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content='messages',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF content ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
    INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`
