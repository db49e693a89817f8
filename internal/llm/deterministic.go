package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// DeterministicClient is a hash-based embedder for tests and offline
// development. The vector is a pure function of (model, text): identical
// inputs always produce identical unit-length vectors, so pipeline
// idempotence and fusion determinism can be asserted exactly.
type DeterministicClient struct {
	model string
	dim   int
}

// NewDeterministicClient creates a deterministic embedder producing vectors
// of the given dimension.
func NewDeterministicClient(model string, dim int) *DeterministicClient {
	if dim <= 0 {
		dim = 384
	}
	return &DeterministicClient{model: model, dim: dim}
}

// Embed derives a unit vector from SHA-256 of the model and text. The hash
// is expanded with a counter so any dimension can be filled.
func (c *DeterministicClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := sha256.Sum256([]byte(c.model + "\x00" + text))

	vec := make([]float32, c.dim)
	var block [32]byte
	var counter uint32
	idx := 32 // force a fresh block on first iteration
	for i := 0; i < c.dim; i++ {
		if idx+4 > 32 {
			var buf [36]byte
			copy(buf[:32], seed[:])
			binary.LittleEndian.PutUint32(buf[32:], counter)
			block = sha256.Sum256(buf[:])
			counter++
			idx = 0
		}
		u := binary.LittleEndian.Uint32(block[idx : idx+4])
		idx += 4
		// Map to [-1, 1).
		vec[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}

	// L2-normalize so 1 - cosine distance behaves like the real providers.
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// GetModel returns the model identifier the vectors are keyed by.
func (c *DeterministicClient) GetModel() string {
	return c.model
}
