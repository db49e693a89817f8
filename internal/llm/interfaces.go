// Package llm provides embedding clients for the pipeline and the
// retriever. All production clients wrap their HTTP calls with circuit
// breaker protection; the deterministic client exists for reproducible
// tests and offline development.
package llm

import "context"

// EmbeddingGenerator maps a text string to a fixed-dimension vector.
// Implementations must be pure functions of (model, text): the same input
// always yields the same vector for a given model identifier.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
