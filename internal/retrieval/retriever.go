// Package retrieval implements hybrid search over stored conversations:
// a lexical full-text path over messages and a vector similarity path over
// memory cards, fused into a single ranked list, plus the token-budgeted
// context assembler that turns ranked hits into a prompt.
package retrieval

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/keepsake-sh/keepsake/internal/llm"
	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

const (
	minK = 1
	maxK = 100

	// recencyHalfLife is the age at which the recency term decays to half
	// its starting value. Only applied when Weights.Recency > 0.
	recencyHalfLife = 30 * 24 * time.Hour

	// pathAttempts bounds retries of one ranking path before the search
	// degrades to the surviving path.
	pathAttempts = 2

	// pathBackoffBase scales the quadratic backoff between attempts.
	pathBackoffBase = 50 * time.Millisecond
)

// Weights controls how the per-path scores combine into the fused score.
// All weights must be non-negative. Recency defaults to zero (off).
type Weights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
	Recency float64 `json:"recency,omitempty"`
}

// Candidate is one fused search hit. LexicalScore and VectorScore are the
// normalized per-path scores in [0, 1]; a path that did not return the item
// contributes zero and leaves its Has flag false.
type Candidate struct {
	ID           string            `json:"id"`
	Kind         types.ContentKind `json:"kind"`
	Score        float64           `json:"score"`
	LexicalScore float64           `json:"lexical_score"`
	VectorScore  float64           `json:"vector_score"`
	HasLexical   bool              `json:"-"`
	HasVector    bool              `json:"-"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
}

// Retriever runs the two ranking paths concurrently and fuses their results.
type Retriever struct {
	lexical     storage.LexicalSearcher
	vector      storage.VectorSearcher
	embedder    llm.EmbeddingGenerator
	pathTimeout time.Duration
	now         func() time.Time
}

// NewRetriever wires a hybrid retriever. pathTimeout bounds each ranking
// path independently; zero disables the per-path deadline.
func NewRetriever(lexical storage.LexicalSearcher, vector storage.VectorSearcher, embedder llm.EmbeddingGenerator, pathTimeout time.Duration) *Retriever {
	return &Retriever{
		lexical:     lexical,
		vector:      vector,
		embedder:    embedder,
		pathTimeout: pathTimeout,
		now:         time.Now,
	}
}

// Search runs both ranking paths for query and returns at most k fused
// candidates, highest score first. An empty or whitespace-only query is
// rejected before any ranking work. k is clamped to [1, 100]. If one path
// fails the result degrades to the surviving path; if both fail the error
// is transient_upstream.
func (r *Retriever) Search(ctx context.Context, query string, k int, w Weights) ([]Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.InputErrorf("query must not be empty")
	}
	if w.Lexical < 0 || w.Vector < 0 || w.Recency < 0 {
		return nil, types.ConfigErrorf("fusion weights must be non-negative")
	}
	if k < minK {
		k = minK
	} else if k > maxK {
		k = maxK
	}

	type lexResult struct {
		hits []storage.LexicalHit
		err  error
	}
	type vecResult struct {
		hits []storage.VectorHit
		err  error
	}
	lexCh := make(chan lexResult, 1)
	vecCh := make(chan vecResult, 1)

	go func() {
		var hits []storage.LexicalHit
		err := r.runPath(ctx, func(pctx context.Context) error {
			var rankErr error
			hits, rankErr = r.lexical.Rank(pctx, query, k)
			return rankErr
		})
		lexCh <- lexResult{hits: hits, err: err}
	}()
	go func() {
		var hits []storage.VectorHit
		err := r.runPath(ctx, func(pctx context.Context) error {
			vec, embedErr := r.embedder.Embed(pctx, query)
			if embedErr != nil {
				return embedErr
			}
			var nearErr error
			hits, nearErr = r.vector.Nearest(pctx, vec, types.KindMemoryCard, k)
			return nearErr
		})
		vecCh <- vecResult{hits: hits, err: err}
	}()

	lex := <-lexCh
	vec := <-vecCh

	if lex.err != nil && vec.err != nil {
		return nil, types.UpstreamError("both ranking paths failed", lex.err)
	}
	if lex.err != nil {
		log.Printf("[retrieval] lexical path failed, degrading to vector-only: %v", lex.err)
		lex.hits = nil
	}
	if vec.err != nil {
		log.Printf("[retrieval] vector path failed, degrading to lexical-only: %v", vec.err)
		vec.hits = nil
	}

	fused := r.fuse(lex.hits, vec.hits, w)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (r *Retriever) pathContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.pathTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.pathTimeout)
}

// runPath executes one ranking path with bounded retries and quadratic
// backoff. Each attempt gets a fresh per-path deadline. Input errors and
// caller cancellation are returned immediately; transient failures are
// retried until the attempts are exhausted.
func (r *Retriever) runPath(ctx context.Context, fn func(pctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < pathAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * pathBackoffBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		pctx, cancel := r.pathContext(ctx)
		err := fn(pctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, storage.ErrInvalidInput) || types.KindOf(err) == types.ErrorKindInput {
			return err
		}
	}
	return lastErr
}

type candidateKey struct {
	kind types.ContentKind
	id   string
}

// fuse merges the two hit lists into one score-ordered slice.
//
// Lexical ranks are normalized by the maximum rank in the result set, so the
// best lexical hit scores 1 regardless of the backend's rank scale. Vector
// distances map to similarity via 1 - distance, clamped to [0, 1]. An item
// surfaced by both paths receives the sum of its weighted contributions.
// Ties sort stably in lexical-insertion order, which makes repeated searches
// over unchanged data return identical orderings.
func (r *Retriever) fuse(lexHits []storage.LexicalHit, vecHits []storage.VectorHit, w Weights) []Candidate {
	ordered := make([]*Candidate, 0, len(lexHits)+len(vecHits))
	index := make(map[candidateKey]*Candidate, len(lexHits)+len(vecHits))

	var maxRank float64
	for _, h := range lexHits {
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}
	for _, h := range lexHits {
		var score float64
		if maxRank > 0 {
			score = h.Rank / maxRank
		}
		c := &Candidate{
			ID:           h.ID,
			Kind:         types.KindMessage,
			LexicalScore: score,
			HasLexical:   true,
			CreatedAt:    h.CreatedAt,
		}
		ordered = append(ordered, c)
		index[candidateKey{kind: c.Kind, id: c.ID}] = c
	}

	for _, h := range vecHits {
		score := clamp01(1 - h.Distance)
		key := candidateKey{kind: types.KindMemoryCard, id: h.ID}
		if c, ok := index[key]; ok {
			// Duplicate ids keep their best score; a repeated hit must
			// never demote a candidate.
			if !c.HasVector || score > c.VectorScore {
				c.VectorScore = score
			}
			c.HasVector = true
			if c.CreatedAt.IsZero() {
				c.CreatedAt = h.CreatedAt
			}
			continue
		}
		c := &Candidate{
			ID:          h.ID,
			Kind:        types.KindMemoryCard,
			VectorScore: score,
			HasVector:   true,
			CreatedAt:   h.CreatedAt,
		}
		ordered = append(ordered, c)
		index[key] = c
	}

	now := r.now()
	for _, c := range ordered {
		c.Score = w.Lexical*c.LexicalScore + w.Vector*c.VectorScore
		if w.Recency > 0 && !c.CreatedAt.IsZero() {
			c.Score += w.Recency * recencyScore(now.Sub(c.CreatedAt))
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	out := make([]Candidate, len(ordered))
	for i, c := range ordered {
		out[i] = *c
	}
	return out
}

// recencyScore decays exponentially with age, reaching 0.5 at the half-life.
// Future timestamps clamp to 1.
func recencyScore(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(recencyHalfLife))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
