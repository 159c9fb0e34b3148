// Package rerank defines the Reranker capability interface and the
// Rerank helper that applies the deduplicate-then-score-then-fallback
// contract of spec.md §4.7. The package holds no concrete Reranker
// implementation; callers supply one (or nil).
//
// Grounded on original_source/backend/services/reranker_service.py:
// dedup candidates by content[:100] signature, score (query, content)
// pairs, sort desc, truncate to top_k; any load or scoring failure
// falls back to the input order unchanged.
package rerank

import (
	"context"
	"sort"

	"ragspace/internal/logging"
	"ragspace/internal/types"
)

// Reranker is the capability interface RetrievalPipeline depends on.
// Implementations MUST NOT fail the caller's query: on any internal
// error, they should be wrapped by Rerank, which falls back to the
// input order.
type Reranker interface {
	// Score returns, for each (query, content) pair in order, the
	// cross-encoder's relevance score.
	Score(ctx context.Context, query string, contents []string) ([]float64, error)
}

// Rerank deduplicates candidates by their first 100 content characters,
// scores the deduplicated set with r, attaches the score, sorts
// descending, and truncates to topK. On any error (including a nil r),
// it falls back silently to candidates[:topK] in their original order,
// matching spec.md §7's "Reranker unavailability" policy.
func Rerank(ctx context.Context, r Reranker, query string, candidates []types.Chunk, topK int) []types.Chunk {
	log := logging.New("rerank")

	if r == nil {
		return truncate(candidates, topK)
	}

	deduped := dedupeBySignature(candidates)

	contents := make([]string, len(deduped))
	for i, c := range deduped {
		contents[i] = c.Content
	}

	scores, err := r.Score(ctx, query, contents)
	if err != nil || len(scores) != len(deduped) {
		log.Warn("reranker unavailable, falling back to fused order", "err", err)
		return truncate(candidates, topK)
	}

	for i := range deduped {
		deduped[i].Score = scores[i]
	}

	sortDesc(deduped)
	return truncate(deduped, topK)
}

func dedupeBySignature(chunks []types.Chunk) []types.Chunk {
	seen := make(map[string]bool, len(chunks))
	out := make([]types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		sig := signature(c.Content)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	return out
}

func signature(content string) string {
	if len(content) > 100 {
		return content[:100]
	}
	return content
}

func sortDesc(chunks []types.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
}

func truncate(chunks []types.Chunk, topK int) []types.Chunk {
	if topK <= 0 || topK >= len(chunks) {
		return chunks
	}
	return chunks[:topK]
}
