// Package types defines the core value types for the Keepsake retrieval
// engine: normalized conversational content, embedding records, and the
// assembled context returned to callers. All types are plain data records;
// storage backends map them to and from rows.
package types

import (
	"strings"
	"time"
)

// ContentKind identifies the kind of a content item.
type ContentKind string

const (
	// KindMessage is a single conversational turn inside a thread.
	KindMessage ContentKind = "message"

	// KindMemoryCard is a derived summary distilled from one or more threads.
	KindMemoryCard ContentKind = "memory_card"
)

// Valid reports whether k is a known content kind.
func (k ContentKind) Valid() bool {
	return k == KindMessage || k == KindMemoryCard
}

// Kinds lists every content kind in pipeline processing order.
func Kinds() []ContentKind {
	return []ContentKind{KindMessage, KindMemoryCard}
}

// ContentItem is a normalized piece of harvested content. Items are created
// by ingestion and are read-only to the retrieval core. ThreadID groups
// messages into ordered conversations; it is empty for memory cards that
// were consolidated across threads. Title is only set for memory cards.
type ContentItem struct {
	Kind      ContentKind `json:"kind"`
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Title     string      `json:"title,omitempty"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

// EmbeddingText returns the text submitted to the embedding model.
// Memory cards embed their title and summary together so that short
// summaries still carry the card's topic.
func (c *ContentItem) EmbeddingText() string {
	if c.Kind == KindMemoryCard && c.Title != "" {
		return c.Title + "\n" + c.Text
	}
	return c.Text
}

// EmbeddingRecord is one stored vector. At most one record exists per
// (TargetKind, TargetID, Model) triple; re-embedding overwrites in place.
type EmbeddingRecord struct {
	TargetKind ContentKind `json:"target_kind"`
	TargetID   string      `json:"target_id"`
	Model      string      `json:"model"`
	Dim        int         `json:"dim"`
	Vector     []float32   `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Citation identifies the source of a piece of assembled context.
type Citation struct {
	Type ContentKind `json:"type"`
	ID   string      `json:"id"`
}

// ContextBlock is one unit of assembled context: a memory card summary or a
// three-message conversational window, with one citation per included source.
type ContextBlock struct {
	SourceID  string      `json:"source_id"`
	Kind      ContentKind `json:"kind"`
	Content   string      `json:"content"`
	Citations []Citation  `json:"citations"`
	Tokens    int         `json:"tokens"`
}

// AssembledContext is the final output of context assembly: a prompt ready
// for a downstream generator plus the provenance of everything in it.
// It is rebuilt fresh for every query and never cached.
type AssembledContext struct {
	PromptText         string     `json:"prompt_text"`
	Citations          []Citation `json:"citations"`
	TotalTokenEstimate int        `json:"total_token_estimate"`
}

// SourceTag renders the provenance marker that wraps a context block in the
// assembled prompt, e.g. "[memory_card 42]".
func SourceTag(kind ContentKind, id string) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(kind))
	b.WriteByte(' ')
	b.WriteString(id)
	b.WriteByte(']')
	return b.String()
}
