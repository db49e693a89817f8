package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/keepsake-sh/keepsake/pkg/types"
)

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; log but don't write another response.
		log.Printf("[web] failed to encode JSON response: %v", err)
	}
}

// respondError maps err to its stable error kind and HTTP status. The raw
// cause is logged server-side only.
func respondError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)

	var status int
	switch kind {
	case types.ErrorKindInput:
		status = http.StatusBadRequest
	case types.ErrorKindTransientUpstream:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	message := "internal error"
	var ke *types.Error
	if errors.As(err, &ke) {
		message = ke.Message
	}
	if status >= 500 {
		log.Printf("[web] request failed (%s): %v", kind, err)
	}

	respondJSON(w, status, ErrorResponse{Error: message, Code: string(kind)})
}
