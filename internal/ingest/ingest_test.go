package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragspace/internal/objectstore"
	"ragspace/internal/types"
	"ragspace/internal/vectorstore"
)

type fakeVectorStore struct {
	exists     map[string]bool
	dims       map[string]int
	inserted   map[string][][]string // collection -> [contents]
	indexBuilt map[string]bool
	loaded     map[string]bool
	deleted    []string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		exists:     map[string]bool{},
		dims:       map[string]int{},
		inserted:   map[string][][]string{},
		indexBuilt: map[string]bool{},
		loaded:     map[string]bool{},
	}
}

func (f *fakeVectorStore) Exists(ctx context.Context, name string) (bool, error) {
	return f.exists[name], nil
}
func (f *fakeVectorStore) List(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeVectorStore) Drop(ctx context.Context, name string) error {
	delete(f.exists, name)
	return nil
}
func (f *fakeVectorStore) EnsureCollection(ctx context.Context, name string, dim int, recreate bool) error {
	if recreate {
		delete(f.inserted, name)
	}
	f.exists[name] = true
	f.dims[name] = dim
	return nil
}
func (f *fakeVectorStore) Insert(ctx context.Context, name string, contents, filenames []string, embeddings [][]float32) error {
	f.inserted[name] = append(f.inserted[name], contents)
	return nil
}
func (f *fakeVectorStore) CreateIndex(ctx context.Context, name string) error {
	f.indexBuilt[name] = true
	return nil
}
func (f *fakeVectorStore) Load(ctx context.Context, name string) error {
	f.loaded[name] = true
	return nil
}
func (f *fakeVectorStore) DeleteWhere(ctx context.Context, name, filenameValue string) error {
	f.deleted = append(f.deleted, filenameValue)
	return nil
}
func (f *fakeVectorStore) Search(ctx context.Context, name string, vector []float32, limit int) ([]vectorstore.Hit, error) {
	return nil, nil
}

var _ vectorstore.VectorStore = (*fakeVectorStore)(nil)

type fakeEmbedder struct {
	calls int
	dim   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	f.calls++
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text))
	}
	return vec, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

type fakeObjStore struct {
	objects map[string][]byte
}

func newFakeObjStore() *fakeObjStore { return &fakeObjStore{objects: map[string][]byte{}} }
func (f *fakeObjStore) k(bucket, key string) string { return bucket + "/" + key }
func (f *fakeObjStore) EnsureBucket(ctx context.Context, name string) (string, error) {
	return name, nil
}
func (f *fakeObjStore) ListBuckets(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeObjStore) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	return nil, nil
}
func (f *fakeObjStore) PutBytes(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.objects[f.k(bucket, key)] = data
	return nil
}
func (f *fakeObjStore) PutJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.PutBytes(ctx, bucket, key, data, "application/json")
}
func (f *fakeObjStore) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[f.k(bucket, key)]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return data, nil
}
func (f *fakeObjStore) GetJSON(ctx context.Context, bucket, key string, out any) {}
func (f *fakeObjStore) RemoveObject(ctx context.Context, bucket, key string) error {
	delete(f.objects, f.k(bucket, key))
	return nil
}
func (f *fakeObjStore) DeleteBucket(ctx context.Context, bucket string) error { return nil }
func (f *fakeObjStore) DownloadPrefix(ctx context.Context, bucket, prefix, localDir string) error {
	return nil
}

var _ objectstore.Client = (*fakeObjStore)(nil)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFullIndexingRunInsertsAndBuildsIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "hello world this is a test document")

	vs := newFakeVectorStore()
	emb := &fakeEmbedder{dim: 4}
	objStore := newFakeObjStore()
	p := New(vs, emb, objStore)

	var events []types.ProgressEventType
	in := Input{
		StorageKey:     "bucket-a",
		CollectionKey:  "coll_a",
		TargetPaths:    []string{dir},
		ChunkSize:      1000,
		EmbeddingModel: "test-model",
		Extractor:      fakeExtractor{},
		OnEvent:        func(e types.ProgressEvent) { events = append(events, e.Type) },
	}

	result, err := p.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesTotal)
	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 1, result.ChunksTotal)
	assert.Equal(t, 4, result.EmbeddingDim)
	assert.True(t, vs.indexBuilt["coll_a"])
	assert.True(t, vs.loaded["coll_a"])
	assert.Contains(t, events, types.EventComplete)
	assert.Contains(t, events, types.EventCreatingIndex)
}

func TestIncrementalRunSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "unchanged content")
	info, err := os.Stat(path)
	require.NoError(t, err)

	vs := newFakeVectorStore()
	vs.exists["coll_a"] = true
	emb := &fakeEmbedder{dim: 4}
	objStore := newFakeObjStore()
	p := New(vs, emb, objStore)

	prior := map[string]types.FileFingerprint{
		"a.md": {Size: info.Size(), MTime: info.ModTime()},
	}

	in := Input{
		StorageKey:        "bucket-a",
		CollectionKey:     "coll_a",
		TargetPaths:       []string{dir},
		ChunkSize:         1000,
		EmbeddingModel:    "test-model",
		KnownEmbeddingDim: 4,
		IndexedFiles:      prior,
		Extractor:         fakeExtractor{},
	}

	result, err := p.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, emb.calls, "embedder must not be invoked when nothing changed")
	assert.Equal(t, 1, result.FilesTotal)
	assert.Equal(t, 0, result.FilesProcessed)
}

func TestIncrementalRunReindexesChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.md", "new content after edit")

	vs := newFakeVectorStore()
	vs.exists["coll_a"] = true
	emb := &fakeEmbedder{dim: 4}
	objStore := newFakeObjStore()
	p := New(vs, emb, objStore)

	prior := map[string]types.FileFingerprint{
		"a.md": {Size: 1}, // deliberately stale fingerprint
	}
	_ = path

	in := Input{
		StorageKey:        "bucket-a",
		CollectionKey:     "coll_a",
		TargetPaths:       []string{dir},
		ChunkSize:         1000,
		EmbeddingModel:    "test-model",
		KnownEmbeddingDim: 4,
		IndexedFiles:      prior,
		Extractor:         fakeExtractor{},
	}

	result, err := p.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesProcessed)
	assert.Contains(t, vs.deleted, "a.md")
	assert.False(t, vs.indexBuilt["coll_a"], "incremental mode must not rebuild the index")
}

func TestStopFlagHaltsAtFileBoundary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "first file content")
	writeFile(t, dir, "b.md", "second file content")

	vs := newFakeVectorStore()
	emb := &fakeEmbedder{dim: 4}
	objStore := newFakeObjStore()
	p := New(vs, emb, objStore)

	var stop atomic.Bool
	stop.Store(true)

	in := Input{
		StorageKey:     "bucket-a",
		CollectionKey:  "coll_a",
		TargetPaths:    []string{dir},
		ChunkSize:      1000,
		EmbeddingModel: "test-model",
		Extractor:      fakeExtractor{},
		Stop:           &stop,
	}

	result, err := p.Run(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.Equal(t, 0, result.FilesProcessed)
}

func TestExtractionErrorEmitsFileErrorAndContinues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "valid content")

	vs := newFakeVectorStore()
	emb := &fakeEmbedder{dim: 4}
	objStore := newFakeObjStore()
	p := New(vs, emb, objStore)

	var events []types.ProgressEventType
	in := Input{
		StorageKey:     "bucket-a",
		CollectionKey:  "coll_a",
		TargetPaths:    []string{dir},
		ChunkSize:      1000,
		EmbeddingModel: "test-model",
		Extractor:      failingExtractor{},
		OnEvent:        func(e types.ProgressEvent) { events = append(events, e.Type) },
	}

	result, err := p.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, events, types.EventFileError)
	assert.Equal(t, 0, result.ChunksTotal)
}

type failingExtractor struct{}

func (failingExtractor) Extract(ctx context.Context, path string) (string, error) {
	return "", errors.New("boom")
}

func TestChunkTextSplitsFixedWidthWithShortLastChunk(t *testing.T) {
	chunks := chunkText("abcdefgh", 3)
	require.Equal(t, []string{"abc", "def", "gh"}, chunks)
}

func TestIsSupportedExtensionClosedSet(t *testing.T) {
	assert.True(t, IsSupported("notes.md"))
	assert.True(t, IsSupported("main.go"))
	assert.False(t, IsSupported("binary.exe"))
	assert.False(t, IsSupported("noext"))
}

func TestEnumerateFilesSkipsExcludedDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	writeFile(t, dir, filepath.Join(".git", "config.md"), "should be skipped")
	writeFile(t, dir, "keep.md", "should be kept")

	eligible, total := enumerateFiles([]string{dir})
	assert.Equal(t, 1, total)
	assert.Equal(t, "keep.md", filepath.Base(eligible[0].path))
}
