// Package space implements SpaceRegistry: the authoritative,
// in-process-cached registry of Spaces, backed by config.json in each
// Space's bucket (spec.md §4.4).
//
// Grounded on original_source/backend/services/bucket_manager.py
// (load-all-at-startup, config.json as source of truth) and the
// teacher's internal/session/manager.go for the mutex-guarded map
// style.
package space

import (
	"context"
	"sync"
	"time"

	"ragspace/internal/errors"
	"ragspace/internal/objectstore"
	"ragspace/internal/sanitize"
	"ragspace/internal/types"
)

// Registry is the SpaceRegistry implementation.
type Registry struct {
	store objectstore.Client

	mu      sync.RWMutex
	spaces  map[string]*types.Space // keyed by display name
	current string
}

// New constructs a Registry bound to store. Call Sync to populate the
// cache from the ObjectStore.
func New(store objectstore.Client) *Registry {
	return &Registry{store: store, spaces: make(map[string]*types.Space)}
}

// Sync rebuilds the in-process cache from the ObjectStore, mirroring
// bucket_manager.py's _load_buckets: list buckets, read config.json per
// bucket, reconstruct Space objects, and sync uploads/.
func (r *Registry) Sync(ctx context.Context) error {
	bucketNames, err := r.store.ListBuckets(ctx)
	if err != nil {
		return errors.Upstream("space.sync", "list buckets failed", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.spaces = make(map[string]*types.Space, len(bucketNames))
	for _, bucket := range bucketNames {
		var doc types.SpaceConfigDoc
		r.store.GetJSON(ctx, bucket, "config.json", &doc)

		displayName := doc.Name
		if displayName == "" {
			displayName = bucket
		}

		cfg := doc.Config
		if cfg.ChunkSize == 0 {
			cfg = types.DefaultSpaceConfig()
		}

		indexedFiles := doc.IndexedFiles
		if indexedFiles == nil {
			indexedFiles = make(map[string]types.FileFingerprint)
		}

		sp := &types.Space{
			Name:          displayName,
			StorageKey:    bucket,
			CollectionKey: sanitize.CollectionName(displayName),
			Config:        cfg,
			FileCount:     doc.FileCount,
			LastIndexed:   doc.LastIndexed,
			IndexedFiles:  indexedFiles,
		}

		uploads, err := r.store.ListObjects(ctx, bucket, "uploads/")
		if err == nil {
			sp.Directories = uploads
		}

		r.spaces[displayName] = sp
	}

	if r.current == "" {
		for name := range r.spaces {
			r.current = name
			break
		}
	}
	return nil
}

// List returns every cached Space.
func (r *Registry) List() []*types.Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Space, 0, len(r.spaces))
	for _, s := range r.spaces {
		out = append(out, s)
	}
	return out
}

// Get returns the Space named name, or nil if absent.
func (r *Registry) Get(name string) *types.Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spaces[name]
}

// Current returns the currently selected Space, or nil.
func (r *Registry) Current() *types.Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == "" {
		return nil
	}
	return r.spaces[r.current]
}

// Select makes name the current Space.
func (r *Registry) Select(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.spaces[name]; !ok {
		return errors.NotFound("space.select", "space not found: "+name)
	}
	r.current = name
	return nil
}

// Create sanitizes name, asserts storage_key uniqueness across all
// existing Spaces (the create-time collision check required by
// SPEC_FULL.md §9.3), ensures the bucket, persists config.json, and
// selects the new Space.
func (r *Registry) Create(ctx context.Context, name string, cfg *types.SpaceConfig) (*types.Space, error) {
	r.mu.Lock()
	if _, exists := r.spaces[name]; exists {
		r.mu.Unlock()
		return nil, errors.Conflict("space.create", "space already exists: "+name)
	}
	storageKey := sanitize.BucketName(name)
	for otherName, other := range r.spaces {
		if other.StorageKey == storageKey && otherName != name {
			r.mu.Unlock()
			return nil, errors.Conflict("space.create", "storage key collision with existing space: "+otherName)
		}
	}
	r.mu.Unlock()

	bucket, err := r.store.EnsureBucket(ctx, storageKey)
	if err != nil {
		return nil, errors.Upstream("space.create", "ensure bucket failed", err)
	}

	spaceCfg := types.DefaultSpaceConfig()
	if cfg != nil {
		spaceCfg = *cfg
	}

	sp := &types.Space{
		Name:          name,
		StorageKey:    bucket,
		CollectionKey: sanitize.CollectionName(name),
		Config:        spaceCfg,
		IndexedFiles:  make(map[string]types.FileFingerprint),
	}

	if err := r.saveConfig(ctx, sp); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.spaces[name] = sp
	r.current = name
	r.mu.Unlock()

	return sp, nil
}

func (r *Registry) saveConfig(ctx context.Context, sp *types.Space) error {
	doc := types.SpaceConfigDoc{
		Name:         sp.Name,
		Config:       sp.Config,
		FileCount:    sp.FileCount,
		LastIndexed:  sp.LastIndexed,
		IndexedFiles: sp.IndexedFiles,
	}
	if err := r.store.PutJSON(ctx, sp.StorageKey, "config.json", doc); err != nil {
		return errors.Upstream("space.save_config", "put config.json failed", err)
	}
	return nil
}

// UpdateConfig replaces name's config and persists it.
func (r *Registry) UpdateConfig(ctx context.Context, name string, cfg types.SpaceConfig) error {
	r.mu.Lock()
	sp, ok := r.spaces[name]
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("space.update_config", "space not found: "+name)
	}
	sp.Config = cfg
	return r.saveConfig(ctx, sp)
}

// UpdateStats records the most recent indexing cardinality, the
// embedding dimension when detected, and the refreshed
// indexed-files fingerprint map — the "metadata write-back" step of
// spec.md §4.6 step 8. A nil indexedFiles leaves the Space's existing
// map untouched.
func (r *Registry) UpdateStats(ctx context.Context, name string, fileCount int, embeddingDim int, indexedFiles map[string]types.FileFingerprint) error {
	r.mu.Lock()
	sp, ok := r.spaces[name]
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("space.update_stats", "space not found: "+name)
	}

	now := time.Now().UTC()
	sp.FileCount = fileCount
	sp.LastIndexed = &now
	if embeddingDim > 0 {
		sp.Config.EmbeddingDim = embeddingDim
	}
	if indexedFiles != nil {
		sp.IndexedFiles = indexedFiles
	}
	return r.saveConfig(ctx, sp)
}

// UpdateStatsByBucket is UpdateStats addressed by storage key rather
// than display name: IndexingSupervisor only knows the bucket a run
// targeted, not the Space's display name it was created under.
func (r *Registry) UpdateStatsByBucket(ctx context.Context, bucket string, fileCount, embeddingDim int, indexedFiles map[string]types.FileFingerprint) error {
	r.mu.RLock()
	var name string
	for n, sp := range r.spaces {
		if sp.StorageKey == bucket {
			name = n
			break
		}
	}
	r.mu.RUnlock()
	if name == "" {
		return errors.NotFound("space.update_stats", "space not found for bucket: "+bucket)
	}
	return r.UpdateStats(ctx, name, fileCount, embeddingDim, indexedFiles)
}

// SyncFiles refreshes name's Directories from the live uploads/ prefix.
func (r *Registry) SyncFiles(ctx context.Context, name string) error {
	r.mu.Lock()
	sp, ok := r.spaces[name]
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("space.sync_files", "space not found: "+name)
	}

	objs, err := r.store.ListObjects(ctx, sp.StorageKey, "uploads/")
	if err != nil {
		return errors.Upstream("space.sync_files", "list objects failed", err)
	}
	sp.Directories = objs
	return nil
}

// Delete drops the vector collection (best-effort, via dropCollection), deletes
// the bucket, and evicts name from the cache, resetting selection if it
// was current.
func (r *Registry) Delete(ctx context.Context, name string, dropCollection func(ctx context.Context, collectionKey string) error) error {
	r.mu.Lock()
	sp, ok := r.spaces[name]
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("space.delete", "space not found: "+name)
	}

	if dropCollection != nil {
		_ = dropCollection(ctx, sp.CollectionKey) // best-effort
	}

	if err := r.store.DeleteBucket(ctx, sp.StorageKey); err != nil {
		return errors.Upstream("space.delete", "delete bucket failed", err)
	}

	r.mu.Lock()
	delete(r.spaces, name)
	if r.current == name {
		r.current = ""
		for other := range r.spaces {
			r.current = other
			break
		}
	}
	r.mu.Unlock()
	return nil
}
