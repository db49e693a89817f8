package retrieval

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// Assembler turns ranked candidates into a token-budgeted prompt. Message
// hits expand into a small thread window for conversational coherence;
// memory cards are included standalone. Blocks are admitted whole in rank
// order until the first one that would exceed the budget, then assembly
// stops — no block is ever truncated mid-content.
type Assembler struct {
	store     storage.ContentStore
	estimator TokenEstimator
}

// NewAssembler wires an assembler over the content store.
func NewAssembler(store storage.ContentStore, estimator TokenEstimator) *Assembler {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Assembler{store: store, estimator: estimator}
}

// Assemble builds the prompt for query from candidates under tokenBudget.
// Candidates are deduplicated by (kind, id) before any expansion. A
// candidate whose source row no longer exists is dropped with a warning;
// the rest of the context still assembles. The returned token estimate
// covers the included blocks only.
func (a *Assembler) Assemble(ctx context.Context, candidates []Candidate, query string, tokenBudget int) (*types.AssembledContext, error) {
	if tokenBudget <= 0 {
		return nil, types.InputErrorf("token budget must be positive, got %d", tokenBudget)
	}

	seen := make(map[candidateKey]bool, len(candidates))
	deduped := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := candidateKey{kind: c.Kind, id: c.ID}
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, c)
	}

	var (
		blocks    []types.ContextBlock
		citations []types.Citation
		cited     = make(map[types.Citation]bool)
		total     int
	)

	for _, c := range deduped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block, err := a.buildBlock(ctx, c)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Printf("[retrieval] candidate %s %s no longer exists, dropping from context", c.Kind, c.ID)
				continue
			}
			log.Printf("[retrieval] candidate %s %s unavailable, dropping from context: %v", c.Kind, c.ID, err)
			continue
		}

		if total+block.Tokens > tokenBudget {
			break
		}
		total += block.Tokens
		blocks = append(blocks, *block)
		for _, cit := range block.Citations {
			if cited[cit] {
				continue
			}
			cited[cit] = true
			citations = append(citations, cit)
		}
	}

	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString(blk.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Query: ")
	b.WriteString(query)

	return &types.AssembledContext{
		PromptText:         b.String(),
		Citations:          citations,
		TotalTokenEstimate: total,
	}, nil
}

// buildBlock renders one candidate. A memory card becomes a single tagged
// block; a message expands into up to three consecutive messages from its
// thread, each carrying its own citation.
func (a *Assembler) buildBlock(ctx context.Context, c Candidate) (*types.ContextBlock, error) {
	item, err := a.store.GetByID(ctx, c.Kind, c.ID)
	if err != nil {
		return nil, err
	}

	if c.Kind == types.KindMemoryCard {
		content := types.SourceTag(item.Kind, item.ID) + " " + cardText(item)
		block := &types.ContextBlock{
			SourceID:  item.ID,
			Kind:      item.Kind,
			Content:   content,
			Citations: []types.Citation{{Type: item.Kind, ID: item.ID}},
		}
		block.Tokens = a.estimator.Estimate(block.Content)
		return block, nil
	}

	window := []*types.ContentItem{item}
	if item.ThreadID != "" {
		neighbors, err := a.store.ThreadNeighbors(ctx, item.ThreadID, item)
		if err != nil {
			log.Printf("[retrieval] thread neighbors unavailable for message %s: %v", item.ID, err)
		} else {
			window = window[:0]
			if neighbors.Prev != nil {
				window = append(window, neighbors.Prev)
			}
			window = append(window, item)
			if neighbors.Next != nil {
				window = append(window, neighbors.Next)
			}
		}
	}

	lines := make([]string, 0, len(window))
	cits := make([]types.Citation, 0, len(window))
	for _, m := range window {
		lines = append(lines, types.SourceTag(m.Kind, m.ID)+" "+m.Text)
		cits = append(cits, types.Citation{Type: m.Kind, ID: m.ID})
	}

	block := &types.ContextBlock{
		SourceID:  item.ID,
		Kind:      item.Kind,
		Content:   strings.Join(lines, "\n"),
		Citations: cits,
	}
	block.Tokens = a.estimator.Estimate(block.Content)
	return block, nil
}

func cardText(item *types.ContentItem) string {
	if item.Title != "" {
		return item.Title + "\n" + item.Text
	}
	return item.Text
}
