package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-sh/keepsake/internal/llm"
	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

type embeddingKey struct {
	kind  types.ContentKind
	id    string
	model string
}

// memStore backs both the content and embedding interfaces so discovery can
// anti-join against stored vectors exactly like the real backends.
type memStore struct {
	mu        sync.Mutex
	items     map[types.ContentKind][]types.ContentItem
	vectors   map[embeddingKey]types.EmbeddingRecord
	upserts   int
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		items:   make(map[types.ContentKind][]types.ContentItem),
		vectors: make(map[embeddingKey]types.EmbeddingRecord),
	}
}

func (s *memStore) add(kind types.ContentKind, id, text string) {
	s.items[kind] = append(s.items[kind], types.ContentItem{Kind: kind, ID: id, Text: text})
}

func (s *memStore) StreamUnembedded(_ context.Context, kind types.ContentKind, model string, limit, offset int) ([]types.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []types.ContentItem
	for _, item := range s.items[kind] {
		if _, ok := s.vectors[embeddingKey{kind: kind, id: item.ID, model: model}]; !ok {
			pending = append(pending, item)
		}
	}
	if offset >= len(pending) {
		return nil, nil
	}
	pending = pending[offset:]
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *memStore) GetByID(_ context.Context, kind types.ContentKind, id string) (*types.ContentItem, error) {
	for _, item := range s.items[kind] {
		if item.ID == id {
			it := item
			return &it, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) ThreadNeighbors(context.Context, string, *types.ContentItem) (*storage.ThreadNeighbors, error) {
	return &storage.ThreadNeighbors{}, nil
}

func (s *memStore) CountByKind(_ context.Context, kind types.ContentKind) (int, error) {
	return len(s.items[kind]), nil
}

func (s *memStore) UpsertEmbeddings(_ context.Context, records []types.EmbeddingRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	s.upserts++
	for _, r := range records {
		s.vectors[embeddingKey{kind: r.TargetKind, id: r.TargetID, model: r.Model}] = r
	}
	return len(records), nil
}

func (s *memStore) CountEmbedded(_ context.Context, kind types.ContentKind, model string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.vectors {
		if k.kind == kind && k.model == model {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ModelCounts(context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for k := range s.vectors {
		counts[k.model]++
	}
	return counts, nil
}

// flakyEmbedder fails for ids in failIDs and succeeds otherwise.
type flakyEmbedder struct {
	inner   llm.EmbeddingGenerator
	mu      sync.Mutex
	failIDs map[string]bool
	calls   int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failIDs[text]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("provider unavailable")
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) GetModel() string { return f.inner.GetModel() }

// recoveringEmbedder fails the first failuresLeft[text] calls for a text and
// succeeds afterwards.
type recoveringEmbedder struct {
	inner        llm.EmbeddingGenerator
	mu           sync.Mutex
	failuresLeft map[string]int
	calls        int
}

func (r *recoveringEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	r.mu.Lock()
	r.calls++
	if r.failuresLeft[text] > 0 {
		r.failuresLeft[text]--
		r.mu.Unlock()
		return nil, errors.New("provider unavailable")
	}
	r.mu.Unlock()
	return r.inner.Embed(ctx, text)
}

func (r *recoveringEmbedder) GetModel() string { return r.inner.GetModel() }

func testConfig() Config {
	return Config{BatchSize: 100, MaxConcurrent: 4}
}

func TestRunEmbedsAllPendingContent(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "hello")
	store.add(types.KindMessage, "m2", "world")
	store.add(types.KindMemoryCard, "c1", "summary")

	emb := llm.NewDeterministicClient("test-model", 8)
	p := New(store, store, emb, testConfig(), nil)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 3, stats.Stored)
	assert.Equal(t, 0, stats.Failed)
	assert.Len(t, store.vectors, 3)
}

func TestRunCoversAllItemsAcrossBatches(t *testing.T) {
	store := newMemStore()
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		store.add(types.KindMessage, id, "text "+id)
	}

	cfg := testConfig()
	cfg.BatchSize = 2
	emb := llm.NewDeterministicClient("test-model", 8)
	p := New(store, store, emb, cfg, nil)

	// Stored items drop out of the anti-join, so every successful batch
	// shifts the remaining rows down to offset zero. A single run must
	// still reach all five items, not just the first window.
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Processed)
	assert.Equal(t, 5, stats.Stored)
	assert.Equal(t, 0, stats.Failed)
	assert.Len(t, store.vectors, 5)
	assert.Equal(t, 3, store.upserts)
}

func TestRunCoversAllItemsWhenSomeFail(t *testing.T) {
	store := newMemStore()
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		store.add(types.KindMessage, id, "text "+id)
	}

	cfg := testConfig()
	cfg.BatchSize = 2
	emb := &flakyEmbedder{
		inner:   llm.NewDeterministicClient("test-model", 8),
		failIDs: map[string]bool{"text m2": true},
	}
	p := New(store, store, emb, cfg, nil)

	// The failing item shifts the window by one; everything after it is
	// still discovered within this run.
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Processed)
	assert.Equal(t, 4, stats.Stored)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, store.vectors, 4)
}

func TestRunIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "hello")
	store.add(types.KindMemoryCard, "c1", "summary")

	emb := llm.NewDeterministicClient("test-model", 8)
	p := New(store, store, emb, testConfig(), nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	first := make(map[embeddingKey]types.EmbeddingRecord, len(store.vectors))
	for k, v := range store.vectors {
		first[k] = v
	}

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, 0, stats.Stored)
	assert.Len(t, store.vectors, len(first))
	for k, v := range first {
		assert.Equal(t, v.Vector, store.vectors[k].Vector)
	}
}

func TestRunSkipsFailedItemsAndStoresTheRest(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "good one")
	store.add(types.KindMessage, "m2", "bad one")
	store.add(types.KindMessage, "m3", "another good one")

	emb := &flakyEmbedder{
		inner:   llm.NewDeterministicClient("test-model", 8),
		failIDs: map[string]bool{"bad one": true},
	}
	p := New(store, store, emb, testConfig(), nil)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 2, stats.Stored)
	assert.Equal(t, 1, stats.Failed)

	// The failed item stays pending and is retried on the next run.
	emb.mu.Lock()
	emb.failIDs = nil
	emb.mu.Unlock()

	stats, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Stored)
	assert.Len(t, store.vectors, 3)
}

func TestRunRetriesTransientEmbedFailures(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "wobbly")

	emb := &recoveringEmbedder{
		inner:        llm.NewDeterministicClient("test-model", 8),
		failuresLeft: map[string]int{"wobbly": 2},
	}
	p := New(store, store, emb, testConfig(), nil)

	// Two transient failures are absorbed by the bounded retry; the item is
	// stored within the same run instead of being skipped.
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 3, emb.calls)
}

func TestRunAbortsWhenBatchStoreFails(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "hello")
	store.upsertErr = errors.New("connection reset")

	emb := llm.NewDeterministicClient("test-model", 8)
	p := New(store, store, emb, testConfig(), nil)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.upsertErr)

	// The run resumes cleanly once the store recovers.
	store.upsertErr = nil
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stored)
}

type cancelNotifier struct {
	cancel context.CancelFunc
	events []Progress
}

func (n *cancelNotifier) PipelineProgress(p Progress) {
	n.events = append(n.events, p)
	n.cancel()
}

func TestRunStopsAtBatchBoundaryOnCancellation(t *testing.T) {
	store := newMemStore()
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		store.add(types.KindMessage, id, "text "+id)
	}
	store.add(types.KindMemoryCard, "c1", "summary")

	ctx, cancel := context.WithCancel(context.Background())
	notifier := &cancelNotifier{cancel: cancel}

	cfg := testConfig()
	cfg.BatchSize = 2
	emb := llm.NewDeterministicClient("test-model", 8)
	p := New(store, store, emb, cfg, notifier)

	stats, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Exactly one full batch was stored before the cancellation was observed
	// at the next batch boundary.
	assert.Equal(t, 2, stats.Stored)
	assert.Len(t, store.vectors, 2)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, types.KindMessage, notifier.events[0].Kind)
}

func TestRunAlreadyCancelledDoesNothing(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(store, store, llm.NewDeterministicClient("test-model", 8), testConfig(), nil)
	stats, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Processed)
	assert.Empty(t, store.vectors)
}

func TestStatsReportsCoverage(t *testing.T) {
	store := newMemStore()
	store.add(types.KindMessage, "m1", "one")
	store.add(types.KindMessage, "m2", "two")
	store.add(types.KindMemoryCard, "c1", "card")

	emb := &flakyEmbedder{
		inner:   llm.NewDeterministicClient("test-model", 8),
		failIDs: map[string]bool{"two": true},
	}
	p := New(store, store, emb, testConfig(), nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	st, err := p.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-model", st.Model)
	assert.Equal(t, storage.EmbeddingStats{Total: 2, Embedded: 1, Pending: 1}, st.Kinds[types.KindMessage])
	assert.Equal(t, storage.EmbeddingStats{Total: 1, Embedded: 1, Pending: 0}, st.Kinds[types.KindMemoryCard])
	assert.Equal(t, map[string]int{"test-model": 2}, st.Models)
}
