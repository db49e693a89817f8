// Package pipeline implements the batch embedding pipeline: it discovers
// content items that have no embedding under the active model, embeds them
// with bounded concurrency, and upserts the vectors so interrupted or
// repeated runs converge on the same stored state.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keepsake-sh/keepsake/internal/llm"
	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// Config bounds a pipeline run. Zero values fall back to the defaults.
type Config struct {
	BatchSize     int           // items pulled per batch (default 500)
	MaxConcurrent int           // concurrent embed calls (default 10)
	RatePerSec    float64       // embed calls per second, 0 = unlimited
	EmbedTimeout  time.Duration // per-item embed deadline (default 15s)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 15 * time.Second
	}
	return c
}

const (
	// embedAttempts bounds retries of a single embed call before the item
	// is skipped for this run.
	embedAttempts = 3

	// embedBackoffBase scales the quadratic backoff between attempts:
	// 100ms, 400ms, 900ms...
	embedBackoffBase = 100 * time.Millisecond
)

// Progress is a snapshot of a run, emitted after every stored batch.
type Progress struct {
	Kind      types.ContentKind `json:"kind"`
	Processed int               `json:"processed"`
	Stored    int               `json:"stored"`
	Failed    int               `json:"failed"`
}

// Notifier receives progress snapshots. Implementations must not block;
// the pipeline calls them synchronously between batches.
type Notifier interface {
	PipelineProgress(p Progress)
}

// RunStats summarizes one completed (or aborted) run.
type RunStats struct {
	Processed int           `json:"processed"`
	Stored    int           `json:"stored"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Status reports embedding coverage per content kind plus stored vector
// counts per model.
type Status struct {
	Model  string                                       `json:"model"`
	Kinds  map[types.ContentKind]storage.EmbeddingStats `json:"kinds"`
	Models map[string]int                               `json:"models"`
}

// Pipeline embeds unembedded content. Safe for concurrent runs: discovery is
// an anti-join against stored vectors and writes are keyed upserts, so
// overlapping runs waste work at worst, never corrupt state.
type Pipeline struct {
	content    storage.ContentStore
	embeddings storage.EmbeddingStore
	embedder   llm.EmbeddingGenerator
	cfg        Config
	limiter    *rate.Limiter
	notifier   Notifier
}

// New wires a pipeline. notifier may be nil.
func New(content storage.ContentStore, embeddings storage.EmbeddingStore, embedder llm.EmbeddingGenerator, cfg Config, notifier Notifier) *Pipeline {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.MaxConcurrent)
	}
	return &Pipeline{
		content:    content,
		embeddings: embeddings,
		embedder:   embedder,
		cfg:        cfg,
		limiter:    limiter,
		notifier:   notifier,
	}
}

// SetNotifier replaces the progress notifier. Call before the first Run;
// the field is not synchronised against a run in flight.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

// Run processes every content kind until discovery returns no more work.
// Individual embed failures are retried with backoff, then logged and
// skipped; the item stays unembedded and is picked up again on the next
// run. A failed batch store
// aborts the run, because continuing would silently drop finished vectors.
// Cancellation is honored at batch boundaries so no batch is stored
// half-processed.
func (p *Pipeline) Run(ctx context.Context) (*RunStats, error) {
	start := time.Now()
	stats := &RunStats{}
	model := p.embedder.GetModel()

	log.Printf("[pipeline] run started model=%s batch=%d workers=%d", model, p.cfg.BatchSize, p.cfg.MaxConcurrent)

	for _, kind := range types.Kinds() {
		offset := 0
		for {
			if err := ctx.Err(); err != nil {
				stats.Duration = time.Since(start)
				return stats, err
			}

			items, err := p.content.StreamUnembedded(ctx, kind, model, p.cfg.BatchSize, offset)
			if err != nil {
				stats.Duration = time.Since(start)
				return stats, fmt.Errorf("pipeline: discover %s batch at offset %d: %w", kind, offset, err)
			}
			if len(items) == 0 {
				break
			}

			records, failed := p.embedBatch(ctx, items)
			stats.Processed += len(items)
			stats.Failed += failed

			if len(records) > 0 {
				stored, err := p.embeddings.UpsertEmbeddings(ctx, records)
				if err != nil {
					stats.Duration = time.Since(start)
					return stats, fmt.Errorf("pipeline: store %s batch at offset %d: %w", kind, offset, err)
				}
				stats.Stored += stored
			}

			if p.notifier != nil {
				p.notifier.PipelineProgress(Progress{
					Kind:      kind,
					Processed: stats.Processed,
					Stored:    stats.Stored,
					Failed:    stats.Failed,
				})
			}

			// Stored items drop out of the anti-join, shifting later rows
			// down into this window; advance only past the failures so the
			// next pull starts at the first unseen row. A persistently
			// failing item still cannot pin the run in place, and skipped
			// items reappear in the next run's anti-join.
			offset += failed
		}
	}

	stats.Duration = time.Since(start)
	log.Printf("[pipeline] run finished processed=%d stored=%d failed=%d in %s",
		stats.Processed, stats.Stored, stats.Failed, stats.Duration.Round(time.Millisecond))
	return stats, nil
}

// embedBatch embeds one batch with a bounded worker pool. Failed items are
// logged and excluded from the returned records.
func (p *Pipeline) embedBatch(ctx context.Context, items []types.ContentItem) ([]types.EmbeddingRecord, int) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		records = make([]types.EmbeddingRecord, 0, len(items))
		failed  int
	)
	sem := make(chan struct{}, p.cfg.MaxConcurrent)
	model := p.embedder.GetModel()

	for i := range items {
		item := items[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					return
				}
			}

			vec, err := p.embedWithRetry(ctx, item.EmbeddingText())
			if err != nil {
				log.Printf("[pipeline] embed %s %s failed after %d attempts, skipping: %v",
					item.Kind, item.ID, embedAttempts, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			mu.Lock()
			records = append(records, types.EmbeddingRecord{
				TargetKind: item.Kind,
				TargetID:   item.ID,
				Model:      model,
				Dim:        len(vec),
				Vector:     vec,
				CreatedAt:  time.Now().UTC(),
			})
			mu.Unlock()
		}()
	}
	wg.Wait()

	return records, failed
}

// embedWithRetry runs one embed call with bounded retries and quadratic
// backoff between attempts. Each attempt gets its own deadline; a cancelled
// run stops retrying immediately.
func (p *Pipeline) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < embedAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * embedBackoffBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ectx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
		vec, err := p.embedder.Embed(ectx, text)
		cancel()
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Stats reports embedding coverage for the active model.
func (p *Pipeline) Stats(ctx context.Context) (*Status, error) {
	model := p.embedder.GetModel()
	st := &Status{
		Model: model,
		Kinds: make(map[types.ContentKind]storage.EmbeddingStats, len(types.Kinds())),
	}

	for _, kind := range types.Kinds() {
		total, err := p.content.CountByKind(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("pipeline: count %s: %w", kind, err)
		}
		embedded, err := p.embeddings.CountEmbedded(ctx, kind, model)
		if err != nil {
			return nil, fmt.Errorf("pipeline: count embedded %s: %w", kind, err)
		}
		pending := total - embedded
		if pending < 0 {
			pending = 0
		}
		st.Kinds[kind] = storage.EmbeddingStats{Total: total, Embedded: embedded, Pending: pending}
	}

	models, err := p.embeddings.ModelCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: model counts: %w", err)
	}
	st.Models = models
	return st, nil
}
