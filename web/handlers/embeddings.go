package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/keepsake-sh/keepsake/internal/pipeline"
	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// EmbeddingsHandler serves embedding pipeline status, run triggering, and
// vector index maintenance.
type EmbeddingsHandler struct {
	pipe      *pipeline.Pipeline
	indexes   storage.IndexManager
	lifecycle context.Context
	running   atomic.Bool
}

// NewEmbeddingsHandler creates an EmbeddingsHandler. Background runs derive
// from lifecycle so they stop at the next batch boundary when the server
// shuts down; nil means they run unbounded.
func NewEmbeddingsHandler(lifecycle context.Context, pipe *pipeline.Pipeline, indexes storage.IndexManager) *EmbeddingsHandler {
	if lifecycle == nil {
		lifecycle = context.Background()
	}
	return &EmbeddingsHandler{pipe: pipe, indexes: indexes, lifecycle: lifecycle}
}

// Status handles GET /api/embeddings/status: per-kind coverage, per-model
// counts, and vector index stats.
func (h *EmbeddingsHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.pipe.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	indexStats, err := h.indexes.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"embeddings": status,
		"index":      indexStats,
		"running":    h.running.Load(),
	})
}

// Run handles POST /api/embeddings/run. The run executes in the background;
// progress is broadcast over the websocket hub wired into the pipeline. Only
// one run is started at a time — overlapping runs would be safe but wasted
// work.
func (h *EmbeddingsHandler) Run(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		respondJSON(w, http.StatusConflict, RunResponse{
			Started: false,
			Message: "an embedding run is already in progress",
		})
		return
	}

	runID := uuid.NewString()
	go func() {
		defer h.running.Store(false)
		stats, err := h.pipe.Run(h.lifecycle)
		if err != nil {
			log.Printf("[web] embedding run %s aborted: %v", runID, err)
			return
		}
		log.Printf("[web] embedding run %s finished processed=%d stored=%d failed=%d",
			runID, stats.Processed, stats.Stored, stats.Failed)
	}()

	respondJSON(w, http.StatusAccepted, RunResponse{RunID: runID, Started: true})
}

// Optimize handles POST /api/index/optimize: ensure the vector index exists
// and apply the requested search beam width.
func (h *EmbeddingsHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, types.InputErrorf("invalid JSON body"))
		return
	}

	if err := h.indexes.EnsureIndex(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	if err := h.indexes.Optimize(r.Context(), req.EfSearch); err != nil {
		respondError(w, err)
		return
	}

	stats, err := h.indexes.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
