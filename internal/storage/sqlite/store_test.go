package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedThread(t *testing.T, s *Store, threadID string, messages [][2]string) {
	t.Helper()
	ctx := context.Background()
	if err := s.SeedThread(ctx, threadID, ""); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	for _, m := range messages {
		if err := s.SeedMessage(ctx, m[0], threadID, "user", m[1]); err != nil {
			t.Fatalf("seed message %s: %v", m[0], err)
		}
	}
}

func TestStreamUnembeddedAntiJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedThread(t, s, "th-1", [][2]string{
		{"m1", "first message"},
		{"m2", "second message"},
		{"m3", "third message"},
	})

	items, err := s.StreamUnembedded(ctx, types.KindMessage, "model-a", 10, 0)
	if err != nil {
		t.Fatalf("StreamUnembedded failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 pending items, got %d", len(items))
	}
	if items[0].ID != "m1" || items[0].ThreadID != "th-1" {
		t.Errorf("unexpected first item: %+v", items[0])
	}

	_, err = s.UpsertEmbeddings(ctx, []types.EmbeddingRecord{{
		TargetKind: types.KindMessage, TargetID: "m2", Model: "model-a",
		Dim: 3, Vector: []float32{1, 0, 0},
	}})
	if err != nil {
		t.Fatalf("UpsertEmbeddings failed: %v", err)
	}

	items, err = s.StreamUnembedded(ctx, types.KindMessage, "model-a", 10, 0)
	if err != nil {
		t.Fatalf("StreamUnembedded failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 pending items after embedding m2, got %d", len(items))
	}

	// A different model still sees all three.
	items, err = s.StreamUnembedded(ctx, types.KindMessage, "model-b", 10, 0)
	if err != nil {
		t.Fatalf("StreamUnembedded failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 pending items for model-b, got %d", len(items))
	}
}

func TestStreamUnembeddedInvalidKind(t *testing.T) {
	s := newTestStore(t)

	_, err := s.StreamUnembedded(context.Background(), "bogus", "m", 10, 0)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpsertEmbeddingsOverwritesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SeedCard(ctx, "c1", "title", "summary"); err != nil {
		t.Fatalf("seed card: %v", err)
	}

	rec := types.EmbeddingRecord{
		TargetKind: types.KindMemoryCard, TargetID: "c1", Model: "model-a",
		Dim: 3, Vector: []float32{1, 0, 0},
	}
	if _, err := s.UpsertEmbeddings(ctx, []types.EmbeddingRecord{rec}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	rec.Vector = []float32{0, 1, 0}
	if _, err := s.UpsertEmbeddings(ctx, []types.EmbeddingRecord{rec}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	n, err := s.CountEmbedded(ctx, types.KindMemoryCard, "model-a")
	if err != nil {
		t.Fatalf("CountEmbedded failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stored vector, got %d", n)
	}

	// The stored vector is the second one: it is now nearest to (0,1,0).
	hits, err := s.Nearest(ctx, []float32{0, 1, 0}, types.KindMemoryCard, 1)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Distance > 1e-6 {
		t.Errorf("expected exact match after overwrite, got %+v", hits)
	}
}

func TestUpsertEmbeddingsValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertEmbeddings(context.Background(), []types.EmbeddingRecord{{
		TargetKind: types.KindMemoryCard, TargetID: "c1", Model: "m",
		Dim: 3, Vector: []float32{1, 0}, // length mismatch
	}})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for dim mismatch, got %v", err)
	}
}

func TestGetByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SeedCard(ctx, "c1", "Garden", "Tomatoes need sun"); err != nil {
		t.Fatalf("seed card: %v", err)
	}

	item, err := s.GetByID(ctx, types.KindMemoryCard, "c1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if item.Title != "Garden" || item.Text != "Tomatoes need sun" {
		t.Errorf("unexpected item: %+v", item)
	}

	if _, err := s.GetByID(ctx, types.KindMemoryCard, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestThreadNeighbors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedThread(t, s, "th-1", [][2]string{
		{"m1", "first"},
		{"m2", "second"},
		{"m3", "third"},
	})

	mid, err := s.GetByID(ctx, types.KindMessage, "m2")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	n, err := s.ThreadNeighbors(ctx, "th-1", mid)
	if err != nil {
		t.Fatalf("ThreadNeighbors failed: %v", err)
	}
	if n.Prev == nil || n.Prev.ID != "m1" {
		t.Errorf("expected prev m1, got %+v", n.Prev)
	}
	if n.Next == nil || n.Next.ID != "m3" {
		t.Errorf("expected next m3, got %+v", n.Next)
	}

	first, err := s.GetByID(ctx, types.KindMessage, "m1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	n, err = s.ThreadNeighbors(ctx, "th-1", first)
	if err != nil {
		t.Fatalf("ThreadNeighbors failed: %v", err)
	}
	if n.Prev != nil {
		t.Errorf("expected no prev for first message, got %+v", n.Prev)
	}
	if n.Next == nil || n.Next.ID != "m2" {
		t.Errorf("expected next m2, got %+v", n.Next)
	}
}

func TestLexicalRank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedThread(t, s, "th-1", [][2]string{
		{"m1", "planting tomatoes in the garden"},
		{"m2", "the weather is nice today"},
		{"m3", "tomatoes and peppers love the summer garden"},
	})

	hits, err := s.Rank(ctx, "garden tomatoes", 10)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.ID != "m1" && h.ID != "m3" {
			t.Errorf("unexpected hit %q", h.ID)
		}
		if h.Rank <= 0 {
			t.Errorf("expected positive rank, got %f for %s", h.Rank, h.ID)
		}
	}
}

func TestLexicalRankSurvivesHostileQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedThread(t, s, "th-1", [][2]string{{"m1", "hello world"}})

	// FTS5 operator characters and keywords must not cause a syntax error.
	for _, q := range []string{`"unbalanced`, `hello AND`, `(world`, `a NOT b OR`} {
		if _, err := s.Rank(ctx, q, 10); err != nil {
			t.Errorf("Rank(%q) failed: %v", q, err)
		}
	}

	if _, err := s.Rank(ctx, "  ", 10); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank query, got %v", err)
	}
}

func TestVectorNearestOrdersByDistance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SeedCard(ctx, "close", "", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SeedCard(ctx, "mid", "", "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.SeedCard(ctx, "far", "", "c"); err != nil {
		t.Fatal(err)
	}

	_, err := s.UpsertEmbeddings(ctx, []types.EmbeddingRecord{
		{TargetKind: types.KindMemoryCard, TargetID: "close", Model: "m", Dim: 2, Vector: []float32{1, 0}},
		{TargetKind: types.KindMemoryCard, TargetID: "mid", Model: "m", Dim: 2, Vector: []float32{1, 1}},
		{TargetKind: types.KindMemoryCard, TargetID: "far", Model: "m", Dim: 2, Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("UpsertEmbeddings failed: %v", err)
	}

	hits, err := s.Nearest(ctx, []float32{1, 0}, types.KindMemoryCard, 2)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "close" || hits[1].ID != "mid" {
		t.Errorf("unexpected order: %s, %s", hits[0].ID, hits[1].ID)
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Errorf("distances not ascending: %f >= %f", hits[0].Distance, hits[1].Distance)
	}
}

func TestVectorNearestExcludesOrphanedEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SeedCard(ctx, "kept", "", "a"); err != nil {
		t.Fatal(err)
	}
	_, err := s.UpsertEmbeddings(ctx, []types.EmbeddingRecord{
		{TargetKind: types.KindMemoryCard, TargetID: "kept", Model: "m", Dim: 2, Vector: []float32{1, 0}},
		{TargetKind: types.KindMemoryCard, TargetID: "ghost", Model: "m", Dim: 2, Vector: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("UpsertEmbeddings failed: %v", err)
	}

	hits, err := s.Nearest(ctx, []float32{1, 0}, types.KindMemoryCard, 10)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "kept" {
		t.Errorf("expected only the kept card, got %+v", hits)
	}
}

func TestIndexManagerStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureIndex(ctx); err != nil {
		t.Fatalf("EnsureIndex failed: %v", err)
	}
	if err := s.Optimize(ctx, 40); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if err := s.Optimize(ctx, 0); err == nil {
		t.Error("expected error for ef_search 0")
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Exists {
		t.Error("sqlite backend should report no vector index")
	}
	if st.RowCount != 0 {
		t.Errorf("expected 0 rows, got %d", st.RowCount)
	}
}

func TestPackUnpackVector(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	buf := packVector(vec)
	got, err := unpackVector(buf, 3)
	if err != nil {
		t.Fatalf("unpackVector failed: %v", err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("round trip mismatch at %d: %f != %f", i, got[i], vec[i])
		}
	}

	if _, err := unpackVector(buf, 4); err == nil {
		t.Error("expected size mismatch error")
	}
}
