package supervisor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragspace/internal/errors"
	"ragspace/internal/objectstore"
	"ragspace/internal/types"
)

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
func (f *fakeObjStore) DeleteBucket(ctx context.Context, bucket string) error { return nil }
func (f *fakeObjStore) DownloadPrefix(ctx context.Context, bucket, prefix, localDir string) error {
	return nil
}

var _ objectstore.Client = (*fakeObjStore)(nil)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartRejectsConcurrentJob(t *testing.T) {
	s := New(newFakeObjStore(), nil)
	release := make(chan struct{})

	err := s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {
		<-release
	})
	require.NoError(t, err)

	err = s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	close(release)
	waitUntil(t, func() bool { return !s.Status().IsRunning })
}

func TestStopSetsFlagObservedByWorker(t *testing.T) {
	s := New(newFakeObjStore(), nil)
	var sawStop atomic.Bool

	err := s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {
		for !stop.Load() {
			time.Sleep(time.Millisecond)
		}
		sawStop.Store(true)
	})
	require.NoError(t, err)

	stopped := s.Stop()
	assert.True(t, stopped)
	waitUntil(t, func() bool { return sawStop.Load() })
}

func TestEmitPersistsProgressState(t *testing.T) {
	objStore := newFakeObjStore()
	s := New(objStore, nil)

	done := make(chan struct{})
	err := s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {
		emit(types.ProgressEvent{Type: types.EventStarted})
		close(done)
	})
	require.NoError(t, err)
	<-done

	var doc types.ProgressStateDoc
	objStore.GetJSON(context.Background(), "bucket-a", "progress_state.json", &doc)
	assert.Equal(t, "bucket-a", doc.BucketName)
	assert.Equal(t, types.EventStarted, doc.LastProgress.Type)
}

func TestLoadPersistedProgressRejectsBucketMismatch(t *testing.T) {
	objStore := newFakeObjStore()
	require.NoError(t, objStore.PutJSON(context.Background(), "bucket-a", "progress_state.json",
		types.ProgressStateDoc{BucketName: "bucket-b", LastProgress: types.ProgressEvent{Type: types.EventComplete}}))

	s := New(objStore, nil)
	_, ok := s.LoadPersistedProgress(context.Background(), "bucket-a")
	assert.False(t, ok, "persisted bucket_name does not match the requested bucket")
}

func TestAddSubscriberReceivesLastSnapshotImmediately(t *testing.T) {
	s := New(newFakeObjStore(), nil)
	done := make(chan struct{})
	err := s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {
		emit(types.ProgressEvent{Type: types.EventComplete})
		close(done)
	})
	require.NoError(t, err)
	<-done
	waitUntil(t, func() bool { return s.Status().LastProgress != nil })

	sub := s.AddSubscriber()
	select {
	case e := <-sub.Ch:
		assert.Equal(t, types.EventComplete, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected immediate snapshot delivery")
	}
}

func TestRemoveSubscriberIsIdempotent(t *testing.T) {
	s := New(newFakeObjStore(), nil)
	sub := s.AddSubscriber()
	s.RemoveSubscriber(sub.ID)
	s.RemoveSubscriber(sub.ID)
	assert.Empty(t, s.Subscribers())
}

type fakeStatsUpdater struct {
	bucket       string
	fileCount    int
	embeddingDim int
	indexedFiles map[string]types.FileFingerprint
	calls        int
}

func (f *fakeStatsUpdater) UpdateStatsByBucket(ctx context.Context, bucket string, fileCount, embeddingDim int, indexedFiles map[string]types.FileFingerprint) error {
	f.calls++
	f.bucket = bucket
	f.fileCount = fileCount
	f.embeddingDim = embeddingDim
	f.indexedFiles = indexedFiles
	return nil
}

func TestEmitWritesBackStatsOnComplete(t *testing.T) {
	stats := &fakeStatsUpdater{}
	s := New(newFakeObjStore(), stats)

	fingerprints := map[string]types.FileFingerprint{"a.txt": {Size: 1}}
	done := make(chan struct{})
	err := s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {
		emit(types.ProgressEvent{Type: types.EventComplete, Data: map[string]any{
			"files_total":      3,
			"embedding_dim":    1536,
			"indexed_metadata": fingerprints,
		}})
		close(done)
	})
	require.NoError(t, err)
	<-done
	waitUntil(t, func() bool { return stats.calls == 1 })

	assert.Equal(t, "bucket-a", stats.bucket)
	assert.Equal(t, 3, stats.fileCount)
	assert.Equal(t, 1536, stats.embeddingDim)
	assert.Equal(t, fingerprints, stats.indexedFiles)
}

func TestEmitSkipsWriteBackForNonCompleteEvents(t *testing.T) {
	stats := &fakeStatsUpdater{}
	s := New(newFakeObjStore(), stats)

	done := make(chan struct{})
	err := s.Start(context.Background(), "bucket-a", func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent)) {
		emit(types.ProgressEvent{Type: types.EventStarted})
		close(done)
	})
	require.NoError(t, err)
	<-done
	waitUntil(t, func() bool { return s.Status().LastProgress != nil })

	assert.Zero(t, stats.calls)
}
