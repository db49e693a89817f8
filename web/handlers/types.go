// Package handlers provides the HTTP handlers and middleware for the
// Keepsake retrieval API.
package handlers

import (
	"github.com/keepsake-sh/keepsake/internal/retrieval"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// ErrorResponse is the standard error response format for the API. Code is
// the stable machine-readable error kind; Error is human-readable and never
// embeds raw driver or provider error text.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SearchRequest is the request body for POST /api/search.
type SearchRequest struct {
	Query   string             `json:"query"`
	K       int                `json:"k,omitempty"`
	Weights *retrieval.Weights `json:"weights,omitempty"`
}

// SearchResponse is the response for POST /api/search.
type SearchResponse struct {
	Query   string                `json:"query"`
	Results []retrieval.Candidate `json:"results"`
	Weights retrieval.Weights     `json:"weights"`
}

// RAGRequest is the request body for POST /api/rag.
type RAGRequest struct {
	Query       string             `json:"query"`
	K           int                `json:"k,omitempty"`
	TokenBudget int                `json:"token_budget"`
	Weights     *retrieval.Weights `json:"weights,omitempty"`
}

// RAGResponse is the response for POST /api/rag.
type RAGResponse struct {
	Query   string                  `json:"query"`
	Context *types.AssembledContext `json:"context"`
}

// RunResponse is the response for POST /api/embeddings/run.
type RunResponse struct {
	RunID   string `json:"run_id"`
	Started bool   `json:"started"`
	Message string `json:"message,omitempty"`
}

// OptimizeRequest is the request body for POST /api/index/optimize.
type OptimizeRequest struct {
	EfSearch int `json:"ef_search"`
}
