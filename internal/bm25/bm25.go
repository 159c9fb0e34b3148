// Package bm25 is an in-memory sparse index with serialize/deserialize
// to the ObjectStore: tokenization, Okapi-BM25 scoring, and top-k
// search (spec.md §4.3).
//
// Grounded on original_source/backend/services/bm25_service.py (regex
// `\w+` tokenizer, BM25Okapi, pickle-style blob) and
// other_examples/...Kukks-Claude-rlm...bm25.go for the Go library shape.
package bm25

import (
	"bytes"
	"context"
	"encoding/gob"
	"regexp"
	"sort"

	"github.com/crawlab-team/bm25"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"ragspace/internal/errors"
	"ragspace/internal/objectstore"
	"ragspace/internal/types"
)

const artifactKey = "index/bm25.pkl"

const (
	k1 = 1.5
	b  = 0.75
)

var wordRE = regexp.MustCompile(`\w+`)

var caser = cases.Fold() // Unicode-aware case folding

// Tokenize splits text into case-folded, Unicode-aware word tokens.
func Tokenize(text string) []string {
	folded := caser.String(text)
	return wordRE.FindAllString(folded, -1)
}

// Hit is one scored BM25 result.
type Hit struct {
	Content  string
	Filename string
	Score    float64
	Type     string
}

// Index is the in-memory BM25 state for one Space.
type Index struct {
	contents  []string
	filenames []string
	engine    bm25.BM25
}

// Build constructs an Okapi-BM25 index over the parallel contents and
// filenames arrays. Both slices must be the same length.
func Build(contents, filenames []string) (*Index, error) {
	if len(contents) != len(filenames) {
		return nil, errors.Invalid("bm25.build", "contents and filenames must be parallel", nil)
	}
	engine := bm25.NewBM25Okapi(contents, tokenizeForLib, k1, b, nil)
	return &Index{contents: contents, filenames: filenames, engine: engine}, nil
}

func tokenizeForLib(text string) []string { return Tokenize(text) }

// Search returns up to k hits with strictly positive score, ordered
// descending, ties broken by insertion (corpus) order.
func (idx *Index) Search(query string, k int) []Hit {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	scores := idx.engine.GetScores(tokens)

	type scored struct {
		i     int
		score float64
	}
	var ranked []scored
	for i, sc := range scores {
		if sc > 0 {
			ranked = append(ranked, scored{i, sc})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	hits := make([]Hit, 0, len(ranked))
	for _, r := range ranked {
		hits = append(hits, Hit{
			Content:  idx.contents[r.i],
			Filename: idx.filenames[r.i],
			Score:    r.score,
			Type:     "bm25",
		})
	}
	return hits
}

// gobArtifact is the on-wire encoding of an Index: corpus plus the
// parallel filenames, rebuilt via Build on Load (the scoring engine
// itself is not serialized — its inputs are, matching the Python
// original's "pickle the corpus, rebuild Okapi on load" behavior).
type gobArtifact struct {
	Contents  []string
	Filenames []string
}

// Save serializes the index to index/bm25.pkl in the Space's bucket.
func Save(ctx context.Context, store objectstore.Client, bucket string, idx *Index) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobArtifact{Contents: idx.contents, Filenames: idx.filenames}); err != nil {
		return errors.Upstream("bm25.save", "encode artifact failed", err)
	}
	return store.PutBytes(ctx, bucket, artifactKey, buf.Bytes(), "application/octet-stream")
}

// Load deserializes the index from index/bm25.pkl. Returns
// (nil, false, nil) if no artifact exists — absence is not an error.
func Load(ctx context.Context, store objectstore.Client, bucket string) (*Index, bool, error) {
	data, err := store.GetBytes(ctx, bucket, artifactKey)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, errors.Upstream("bm25.load", "get artifact failed", err)
	}

	var a gobArtifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return nil, false, errors.Upstream("bm25.load", "decode artifact failed", err)
	}

	idx, err := Build(a.Contents, a.Filenames)
	if err != nil {
		return nil, false, err
	}
	return idx, true, nil
}

// Artifact exports the index's corpus, e.g. for merging with a new
// batch under union semantics (SPEC_FULL.md §9.1).
func (idx *Index) Artifact() types.BM25Artifact {
	return types.BM25Artifact{Contents: idx.contents, Filenames: idx.filenames}
}

// Merge combines prior (content, filename) pairs with a new batch,
// where newer entries for the same filename replace older ones,
// preserving first-seen order otherwise. This implements the union
// semantics decided in SPEC_FULL.md §9.1, correcting the original's
// current-batch-only rebuild.
func Merge(priorContents, priorFilenames, newContents, newFilenames []string) (contents, filenames []string) {
	contents = make([]string, 0, len(priorContents)+len(newContents))
	filenames = make([]string, 0, len(priorFilenames)+len(newFilenames))

	replaced := make(map[string]bool, len(newFilenames))
	for _, f := range newFilenames {
		replaced[f] = true
	}

	for i, f := range priorFilenames {
		if replaced[f] {
			continue
		}
		contents = append(contents, priorContents[i])
		filenames = append(filenames, f)
	}
	contents = append(contents, newContents...)
	filenames = append(filenames, newFilenames...)
	return contents, filenames
}
