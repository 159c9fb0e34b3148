package space

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragspace/internal/errors"
	"ragspace/internal/objectstore"
	"ragspace/internal/types"
)

type fakeObjStore struct {
	buckets []string
	objects map[string][]byte
	deleted []string
}

func newFakeObjStore(buckets ...string) *fakeObjStore {
	return &fakeObjStore{buckets: buckets, objects: map[string][]byte{}}
}

func (f *fakeObjStore) k(bucket, key string) string { return bucket + "/" + key }

func (f *fakeObjStore) EnsureBucket(ctx context.Context, name string) (string, error) {
	for _, b := range f.buckets {
		if b == name {
			return name, nil
		}
	}
	f.buckets = append(f.buckets, name)
	return name, nil
}
func (f *fakeObjStore) ListBuckets(ctx context.Context) ([]string, error) { return f.buckets, nil }
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
func (f *fakeObjStore) GetJSON(ctx context.Context, bucket, key string, out any) {
	data, err := f.GetBytes(ctx, bucket, key)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}
func (f *fakeObjStore) RemoveObject(ctx context.Context, bucket, key string) error {
	delete(f.objects, f.k(bucket, key))
	return nil
}
func (f *fakeObjStore) DeleteBucket(ctx context.Context, bucket string) error {
	f.deleted = append(f.deleted, bucket)
	kept := f.buckets[:0]
	for _, b := range f.buckets {
		if b != bucket {
			kept = append(kept, b)
		}
	}
	f.buckets = kept
	return nil
}
func (f *fakeObjStore) DownloadPrefix(ctx context.Context, bucket, prefix, localDir string) error {
	return nil
}

var _ objectstore.Client = (*fakeObjStore)(nil)

func TestCreateRejectsDuplicateNameAndStorageKeyCollision(t *testing.T) {
	store := newFakeObjStore()
	r := New(store)

	_, err := r.Create(context.Background(), "Docs", nil)
	require.NoError(t, err)

	_, err = r.Create(context.Background(), "Docs", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	_, err = r.Create(context.Background(), "docs", nil)
	require.Error(t, err, "sanitized storage key collides with the existing space's bucket")
	assert.True(t, errors.Is(err, errors.KindConflict))
}

func TestCreateSelectsTheNewSpace(t *testing.T) {
	r := New(newFakeObjStore())
	sp, err := r.Create(context.Background(), "Docs", nil)
	require.NoError(t, err)
	assert.Equal(t, sp, r.Current())
}

func TestSyncReconstructsSpacesFromConfigJSON(t *testing.T) {
	store := newFakeObjStore("docs")
	require.NoError(t, store.PutJSON(context.Background(), "docs", "config.json", types.SpaceConfigDoc{
		Name:      "Docs",
		Config:    types.SpaceConfig{ChunkSize: 512, EmbeddingModel: "text-embedding-3-small"},
		FileCount: 3,
	}))

	r := New(store)
	require.NoError(t, r.Sync(context.Background()))

	sp := r.Get("Docs")
	require.NotNil(t, sp)
	assert.Equal(t, "docs", sp.StorageKey)
	assert.Equal(t, 3, sp.FileCount)
	assert.Equal(t, 512, sp.Config.ChunkSize)
}

func TestSyncFallsBackToDefaultConfigWhenMissing(t *testing.T) {
	store := newFakeObjStore("empty-bucket")
	r := New(store)
	require.NoError(t, r.Sync(context.Background()))

	sp := r.Get("empty-bucket")
	require.NotNil(t, sp)
	assert.Equal(t, types.DefaultSpaceConfig().ChunkSize, sp.Config.ChunkSize)
}

func TestSelectUnknownSpaceReturnsNotFound(t *testing.T) {
	r := New(newFakeObjStore())
	err := r.Select("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestUpdateStatsPersistsFileCountAndDimension(t *testing.T) {
	store := newFakeObjStore()
	r := New(store)
	_, err := r.Create(context.Background(), "Docs", nil)
	require.NoError(t, err)

	fingerprints := map[string]types.FileFingerprint{"a.txt": {Size: 10}}
	require.NoError(t, r.UpdateStats(context.Background(), "Docs", 7, 1536, fingerprints))

	var doc types.SpaceConfigDoc
	store.GetJSON(context.Background(), "docs", "config.json", &doc)
	assert.Equal(t, 7, doc.FileCount)
	assert.Equal(t, 1536, doc.Config.EmbeddingDim)
	assert.Equal(t, fingerprints, doc.IndexedFiles)
}

func TestUpdateStatsByBucketResolvesDisplayName(t *testing.T) {
	store := newFakeObjStore()
	r := New(store)
	_, err := r.Create(context.Background(), "Docs", nil)
	require.NoError(t, err)

	require.NoError(t, r.UpdateStatsByBucket(context.Background(), "docs", 3, 768, nil))

	sp := r.Get("Docs")
	require.NotNil(t, sp)
	assert.Equal(t, 3, sp.FileCount)
	assert.Equal(t, 768, sp.Config.EmbeddingDim)
}

func TestSyncRestoresIndexedFilesFromConfigJSON(t *testing.T) {
	store := newFakeObjStore("docs")
	fingerprints := map[string]types.FileFingerprint{"a.txt": {Size: 42}}
	require.NoError(t, store.PutJSON(context.Background(), "docs", "config.json", types.SpaceConfigDoc{
		Name:         "Docs",
		Config:       types.SpaceConfig{ChunkSize: 512, EmbeddingModel: "text-embedding-3-small"},
		FileCount:    1,
		IndexedFiles: fingerprints,
	}))

	r := New(store)
	require.NoError(t, r.Sync(context.Background()))

	sp := r.Get("Docs")
	require.NotNil(t, sp)
	assert.Equal(t, fingerprints, sp.IndexedFiles)
}

func TestDeleteEvictsSpaceAndResetsSelectionWhenCurrent(t *testing.T) {
	store := newFakeObjStore()
	r := New(store)
	_, err := r.Create(context.Background(), "Docs", nil)
	require.NoError(t, err)

	var droppedCollection string
	err = r.Delete(context.Background(), "Docs", func(ctx context.Context, collectionKey string) error {
		droppedCollection = collectionKey
		return nil
	})
	require.NoError(t, err)

	assert.Nil(t, r.Get("Docs"))
	assert.Nil(t, r.Current())
	assert.Contains(t, store.deleted, "docs")
	assert.NotEmpty(t, droppedCollection)
}
