package retrieval

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/keepsake-sh/keepsake/pkg/types"
)

// TokenEstimator estimates the token count of a text. Estimates must be
// deterministic: the same text always yields the same count, so budget
// decisions are reproducible.
type TokenEstimator interface {
	Estimate(text string) int
}

// HeuristicEstimator approximates one token per four bytes, rounded down.
// This intentionally matches the common rule of thumb for English prose and
// is the documented default; it never requires a tokenizer download.
type HeuristicEstimator struct{}

// Estimate returns len(text)/4.
func (HeuristicEstimator) Estimate(text string) int {
	return len(text) / 4
}

// TiktokenEstimator counts tokens with a real BPE encoding for callers that
// need budget estimates aligned with a specific downstream model.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (e.g. cl100k_base).
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, types.ConfigErrorf("unknown token encoding %q", encoding)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Estimate returns the exact BPE token count.
func (t *TiktokenEstimator) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewEstimator builds the estimator named by counter: "heuristic" or
// "tiktoken". Unknown names are a configuration error.
func NewEstimator(counter, encoding string) (TokenEstimator, error) {
	switch counter {
	case "heuristic", "":
		return HeuristicEstimator{}, nil
	case "tiktoken":
		return NewTiktokenEstimator(encoding)
	default:
		return nil, types.ConfigErrorf("unknown token counter %q", counter)
	}
}
