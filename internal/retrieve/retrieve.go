// Package retrieve implements the RetrievalPipeline: embed the query,
// run dense and sparse search, fuse with RRF, optionally rerank, and
// assemble a context string (spec.md §4.7).
//
// Grounded on original_source/backend/services/rag_service.py for the
// search/fusion algorithm (vector search failures are logged and
// degrade gracefully rather than failing the whole query, matching the
// Python original's per-source try/except).
package retrieve

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"ragspace/internal/bm25"
	"ragspace/internal/embeddings"
	"ragspace/internal/logging"
	"ragspace/internal/objectstore"
	"ragspace/internal/rerank"
	"ragspace/internal/types"
	"ragspace/internal/vectorstore"
)

const rrfK = 60
const bm25TopK = 20

// Input parameterizes one retrieval call.
type Input struct {
	Query          string
	CollectionKey  string
	StorageKey     string
	EmbeddingModel string
	TopK           int
	EnableRerank   bool
}

// Result is the outcome: the ordered final chunks and their assembled
// context string.
type Result struct {
	Chunks  []types.Chunk
	Context string
}

// Pipeline is the RetrievalPipeline implementation.
type Pipeline struct {
	vectorStore vectorstore.VectorStore
	embedder    embeddings.Embedder
	objectStore objectstore.Client
	reranker    rerank.Reranker
	log         logging.Logger
}

// New constructs a Pipeline. reranker may be nil, in which case
// reranking always falls back to fused order (spec.md §4.7 step 5).
func New(vs vectorstore.VectorStore, embedder embeddings.Embedder, objStore objectstore.Client, reranker rerank.Reranker) *Pipeline {
	return &Pipeline{vectorStore: vs, embedder: embedder, objectStore: objStore, reranker: reranker, log: logging.New("retrieve")}
}

// Run executes the six-step algorithm described in spec.md §4.7.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	topK := in.TopK
	if topK <= 0 {
		topK = 5
	}

	queryVector, err := p.embedder.Embed(ctx, in.EmbeddingModel, in.Query)
	if err != nil {
		return nil, err
	}

	var resultLists [][]types.Chunk

	denseLimit := 4 * topK
	if denseLimit < 20 {
		denseLimit = 20
	}
	denseHits, err := p.vectorStore.Search(ctx, in.CollectionKey, queryVector, denseLimit)
	if err != nil {
		p.log.Warn("vector search failed, continuing with remaining sources", "err", err)
	} else {
		resultLists = append(resultLists, hitsToChunks(denseHits, "vector"))
	}

	sparseChunks, err := p.sparseSearch(ctx, in)
	if err != nil {
		p.log.Warn("bm25 search failed, continuing with remaining sources", "err", err)
	} else if sparseChunks != nil {
		resultLists = append(resultLists, sparseChunks)
	}

	fused := reciprocalRankFusion(resultLists, rrfK)

	var final []types.Chunk
	if in.EnableRerank {
		final = rerank.Rerank(ctx, p.reranker, in.Query, fused, topK)
	} else {
		final = truncate(fused, topK)
	}

	return &Result{Chunks: final, Context: assembleContext(final)}, nil
}

// sparseSearch loads the BM25 artifact (absence is not an error) and
// returns up to bm25TopK positive-score hits tagged type="bm25".
func (p *Pipeline) sparseSearch(ctx context.Context, in Input) ([]types.Chunk, error) {
	idx, found, err := bm25.Load(ctx, p.objectStore, in.StorageKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	hits := idx.Search(in.Query, bm25TopK)
	chunks := make([]types.Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = types.Chunk{Content: h.Content, Filename: h.Filename, Score: h.Score, Type: "bm25"}
	}
	return chunks, nil
}

func hitsToChunks(hits []vectorstore.Hit, chunkType string) []types.Chunk {
	out := make([]types.Chunk, len(hits))
	for i, h := range hits {
		out[i] = types.Chunk{Content: h.Content, Filename: h.Filename, Score: h.Score, Type: chunkType}
	}
	return out
}

// fusionKey mirrors rag_service.py's dedup key: filename plus a hash of
// the content's first 50 characters.
func fusionKey(c types.Chunk) string {
	sig := c.Content
	if len(sig) > 50 {
		sig = sig[:50]
	}
	sum := sha1.Sum([]byte(sig))
	return c.Filename + "_" + hex.EncodeToString(sum[:8])
}

// reciprocalRankFusion accumulates score += 1/(rank+k) per result list,
// keyed by fusionKey, and returns chunks sorted descending by fused
// score, ties broken by first occurrence across input lists.
func reciprocalRankFusion(resultLists [][]types.Chunk, k int) []types.Chunk {
	type entry struct {
		chunk types.Chunk
		score float64
		order int
	}
	fused := make(map[string]*entry)
	var order int

	for _, results := range resultLists {
		for rank, c := range results {
			key := fusionKey(c)
			e, ok := fused[key]
			if !ok {
				e = &entry{chunk: c, order: order}
				order++
				fused[key] = e
			}
			e.score += 1.0 / float64(rank+k)
		}
	}

	entries := make([]*entry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	out := make([]types.Chunk, len(entries))
	for i, e := range entries {
		out[i] = e.chunk
		out[i].Score = e.score
	}
	return out
}

func truncate(chunks []types.Chunk, topK int) []types.Chunk {
	if topK <= 0 || topK >= len(chunks) {
		return chunks
	}
	return chunks[:topK]
}

// assembleContext joins chunks as the "--- File: X ---" segments the
// chat prompt expects.
func assembleContext(chunks []types.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("\n--- File: ")
		b.WriteString(c.Filename)
		b.WriteString(" ---\n")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
	return b.String()
}
