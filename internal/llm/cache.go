package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedClient wraps an EmbeddingGenerator with an LRU cache keyed by the
// hash of (model, text). Query-time embedding is on the search hot path, so
// repeated queries skip the provider round-trip entirely. Because embedding
// is a pure function of (model, text), cached entries never go stale.
type CachedClient struct {
	inner EmbeddingGenerator
	cache *lru.Cache[string, []float32]
}

// NewCachedClient wraps inner with a cache holding up to size vectors.
func NewCachedClient(inner EmbeddingGenerator, size int) (*CachedClient, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedClient{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector when present, otherwise delegates to the
// wrapped client and stores the result.
func (c *CachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// GetModel returns the wrapped client's model name.
func (c *CachedClient) GetModel() string {
	return c.inner.GetModel()
}

// Len reports the current number of cached vectors.
func (c *CachedClient) Len() int {
	return c.cache.Len()
}

func (c *CachedClient) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.GetModel() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
