package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/keepsake-sh/keepsake/internal/retrieval"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// SearchHandler serves hybrid search and context assembly.
type SearchHandler struct {
	retriever *retrieval.Retriever
	assembler *retrieval.Assembler
	defaults  Defaults
}

// Defaults are the request parameter fallbacks from configuration.
type Defaults struct {
	K           int
	Weights     retrieval.Weights
	TokenBudget int
}

// NewSearchHandler creates a SearchHandler.
func NewSearchHandler(retriever *retrieval.Retriever, assembler *retrieval.Assembler, defaults Defaults) *SearchHandler {
	if defaults.K <= 0 {
		defaults.K = 8
	}
	if defaults.TokenBudget <= 0 {
		defaults.TokenBudget = 2048
	}
	return &SearchHandler{retriever: retriever, assembler: assembler, defaults: defaults}
}

// Search handles POST /api/search: run both ranking paths and return the
// fused candidate list.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, types.InputErrorf("invalid JSON body"))
		return
	}

	k := req.K
	if k <= 0 {
		k = h.defaults.K
	}
	weights := h.defaults.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}

	results, err := h.retriever.Search(r.Context(), req.Query, k, weights)
	if err != nil {
		respondError(w, err)
		return
	}
	if results == nil {
		results = []retrieval.Candidate{}
	}

	respondJSON(w, http.StatusOK, SearchResponse{
		Query:   req.Query,
		Results: results,
		Weights: weights,
	})
}

// RAG handles POST /api/rag: search, then assemble a token-budgeted prompt
// with citations.
func (h *SearchHandler) RAG(w http.ResponseWriter, r *http.Request) {
	var req RAGRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, types.InputErrorf("invalid JSON body"))
		return
	}

	k := req.K
	if k <= 0 {
		k = h.defaults.K
	}
	budget := req.TokenBudget
	if budget <= 0 {
		budget = h.defaults.TokenBudget
	}
	weights := h.defaults.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}

	candidates, err := h.retriever.Search(r.Context(), req.Query, k, weights)
	if err != nil {
		respondError(w, err)
		return
	}

	assembled, err := h.assembler.Assemble(r.Context(), candidates, req.Query, budget)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, RAGResponse{Query: req.Query, Context: assembled})
}
