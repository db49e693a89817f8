package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/internal/storage/postgres"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

const testDim = 4

// postgresTestDSN returns the DSN for the test database. If
// POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a fresh store against the test database, truncates all
// tables, and registers cleanup.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	store, err := postgres.Open(postgresTestDSN(t), testDim)
	require.NoError(t, err, "Open should succeed")
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.TruncateForTest(context.Background()))
	return store
}

func seedThreadWithMessages(t *testing.T, store *postgres.Store, threadID string, messages map[string]string, order []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SeedThreadForTest(ctx, threadID))
	for _, id := range order {
		require.NoError(t, store.SeedMessageForTest(ctx, id, threadID, messages[id]))
	}
}

func testVector(seed float32) []float32 {
	return []float32{seed, 1 - seed, 0, 0}
}

func TestStreamUnembeddedAntiJoin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedThreadWithMessages(t, store, "th-1",
		map[string]string{"m1": "first", "m2": "second", "m3": "third"},
		[]string{"m1", "m2", "m3"})

	items, err := store.StreamUnembedded(ctx, types.KindMessage, "model-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "th-1", items[0].ThreadID)

	// Storing a vector removes the item from discovery for that model only.
	_, err = store.UpsertEmbeddings(ctx, []types.EmbeddingRecord{{
		TargetKind: types.KindMessage, TargetID: "m2", Model: "model-a",
		Dim: testDim, Vector: testVector(0.1),
	}})
	require.NoError(t, err)

	items, err = store.StreamUnembedded(ctx, types.KindMessage, "model-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "m3", items[1].ID)

	items, err = store.StreamUnembedded(ctx, types.KindMessage, "model-b", 10, 0)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestStreamUnembeddedPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedThreadWithMessages(t, store, "th-1",
		map[string]string{"m1": "a", "m2": "b", "m3": "c"},
		[]string{"m1", "m2", "m3"})

	page, err := store.StreamUnembedded(ctx, types.KindMessage, "model-a", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = store.StreamUnembedded(ctx, types.KindMessage, "model-a", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, err = store.StreamUnembedded(ctx, types.KindMessage, "model-a", 2, 4)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestUpsertEmbeddingsOverwritesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedCardForTest(ctx, "c1", "title", "summary"))

	rec := types.EmbeddingRecord{
		TargetKind: types.KindMemoryCard, TargetID: "c1", Model: "model-a",
		Dim: testDim, Vector: testVector(0.2),
	}
	n, err := store.UpsertEmbeddings(ctx, []types.EmbeddingRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec.Vector = testVector(0.9)
	n, err = store.UpsertEmbeddings(ctx, []types.EmbeddingRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.CountEmbedded(ctx, types.KindMemoryCard, "model-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertEmbeddingsRejectsDimMismatch(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertEmbeddings(context.Background(), []types.EmbeddingRecord{{
		TargetKind: types.KindMemoryCard, TargetID: "c1", Model: "m",
		Dim: testDim + 1, Vector: make([]float32, testDim+1),
	}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGetByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedCardForTest(ctx, "c1", "Garden", "Tomatoes need sun"))

	item, err := store.GetByID(ctx, types.KindMemoryCard, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Garden", item.Title)
	assert.Equal(t, "Tomatoes need sun", item.Text)

	_, err = store.GetByID(ctx, types.KindMemoryCard, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestThreadNeighbors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedThreadWithMessages(t, store, "th-1",
		map[string]string{"m1": "first", "m2": "second", "m3": "third"},
		[]string{"m1", "m2", "m3"})

	mid, err := store.GetByID(ctx, types.KindMessage, "m2")
	require.NoError(t, err)

	n, err := store.ThreadNeighbors(ctx, "th-1", mid)
	require.NoError(t, err)
	require.NotNil(t, n.Prev)
	require.NotNil(t, n.Next)
	assert.Equal(t, "m1", n.Prev.ID)
	assert.Equal(t, "m3", n.Next.ID)

	first, err := store.GetByID(ctx, types.KindMessage, "m1")
	require.NoError(t, err)
	n, err = store.ThreadNeighbors(ctx, "th-1", first)
	require.NoError(t, err)
	assert.Nil(t, n.Prev)
	require.NotNil(t, n.Next)
	assert.Equal(t, "m2", n.Next.ID)
}

func TestLexicalRank(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedThreadWithMessages(t, store, "th-1", map[string]string{
		"m1": "planting tomatoes in the garden",
		"m2": "the weather is nice today",
		"m3": "tomatoes and peppers love the summer garden",
	}, []string{"m1", "m2", "m3"})

	hits, err := store.Rank(ctx, "garden tomatoes", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, []string{"m1", "m3"}, h.ID)
		assert.Greater(t, h.Rank, 0.0)
	}

	_, err = store.Rank(ctx, "   ", 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestVectorNearest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedCardForTest(ctx, "close", "", "a"))
	require.NoError(t, store.SeedCardForTest(ctx, "far", "", "b"))

	_, err := store.UpsertEmbeddings(ctx, []types.EmbeddingRecord{
		{TargetKind: types.KindMemoryCard, TargetID: "close", Model: "m", Dim: testDim, Vector: []float32{1, 0, 0, 0}},
		{TargetKind: types.KindMemoryCard, TargetID: "far", Model: "m", Dim: testDim, Vector: []float32{0, 1, 0, 0}},
	})
	require.NoError(t, err)

	hits, err := store.Nearest(ctx, []float32{1, 0, 0, 0}, types.KindMemoryCard, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "close", hits[0].ID)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	assert.Less(t, hits[0].Distance, hits[1].Distance)
}

func TestVectorNearestExcludesDeletedContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedCardForTest(ctx, "kept", "", "a"))
	_, err := store.UpsertEmbeddings(ctx, []types.EmbeddingRecord{
		{TargetKind: types.KindMemoryCard, TargetID: "kept", Model: "m", Dim: testDim, Vector: []float32{1, 0, 0, 0}},
		{TargetKind: types.KindMemoryCard, TargetID: "ghost", Model: "m", Dim: testDim, Vector: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)

	hits, err := store.Nearest(ctx, []float32{1, 0, 0, 0}, types.KindMemoryCard, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].ID)
}

func TestIndexManager(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureIndex(ctx))

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, 0, st.RowCount)

	require.NoError(t, store.Optimize(ctx, 80))

	err = store.Optimize(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindInput, types.KindOf(err))
}
