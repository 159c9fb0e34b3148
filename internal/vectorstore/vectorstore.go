// Package vectorstore is a typed wrapper over Milvus. It owns collection
// lifecycle (create/drop/load), schema, insert, delete-by-predicate, and
// indexed search (spec.md §4.2).
//
// Grounded on original_source/backend/services/milvus_service.py for the
// connect/has_collection/drop_collection contract and on the teacher's
// internal/storage/qdrant.go for Go wrapper shape, translated from a
// singleton into a dependency-injected type per spec.md §9.
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"ragspace/internal/circuitbreaker"
	"ragspace/internal/errors"
	"ragspace/internal/logging"
	"ragspace/internal/types"
)

const (
	fieldID        = "id"
	fieldContent   = "content"
	fieldFilename  = "filename"
	fieldEmbedding = "embedding"

	nlist  = 128
	nprobe = 10
)

// VectorStore is the capability interface IngestionPipeline and
// RetrievalPipeline depend on, so tests can swap in an in-memory fake
// (spec.md §9).
type VectorStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) error
	EnsureCollection(ctx context.Context, name string, dim int, recreate bool) error
	Insert(ctx context.Context, name string, contents, filenames []string, embeddings [][]float32) error
	CreateIndex(ctx context.Context, name string) error
	Load(ctx context.Context, name string) error
	DeleteWhere(ctx context.Context, name, filenameValue string) error
	Search(ctx context.Context, name string, vector []float32, limit int) ([]Hit, error)
}

var _ VectorStore = (*Store)(nil)

// Config configures the Milvus client.
type Config struct {
	Host string
	Port string
}

// Hit is one search result.
type Hit struct {
	Content  string
	Filename string
	Score    float64
}

// Store is the VectorStore implementation.
type Store struct {
	cfg    Config
	client client.Client
	log    logging.Logger
	cb     *circuitbreaker.Breaker

	mu      sync.Mutex
	loaded  map[string]bool
}

// New constructs a Store. Call Connect before use.
func New(cfg Config) *Store {
	return &Store{
		cfg:    cfg,
		log:    logging.New("vectorstore"),
		cb:     circuitbreaker.New(circuitbreaker.DefaultConfig()),
		loaded: map[string]bool{},
	}
}

// Connect establishes the Milvus connection (single alias, matching
// milvus_service.py's "default" connection).
func (s *Store) Connect(ctx context.Context) error {
	c, err := client.NewGrpcClient(ctx, fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return errors.Upstream("vectorstore.connect", "failed to connect to milvus", err)
	}
	s.client = c
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Exists reports whether a collection named name is present.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		var hasErr error
		ok, hasErr = s.client.HasCollection(ctx, name)
		return hasErr
	})
	if err != nil {
		return false, errors.Upstream("vectorstore.exists", "has_collection failed", err)
	}
	return ok, nil
}

// List returns every collection name.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var cols []*entity.Collection
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		var listErr error
		cols, listErr = s.client.ListCollections(ctx)
		return listErr
	})
	if err != nil {
		return nil, errors.Upstream("vectorstore.list", "list_collections failed", err)
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names, nil
}

// Drop removes a collection if it exists.
func (s *Store) Drop(ctx context.Context, name string) error {
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.client.DropCollection(ctx, name)
	}); err != nil {
		return errors.Upstream("vectorstore.drop", "drop_collection failed", err)
	}
	s.mu.Lock()
	delete(s.loaded, name)
	s.mu.Unlock()
	return nil
}

// schema builds the fixed schema described in spec.md §4.2.
func schema(name string, dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: name,
		Description:    "ragspace chunk collection",
		AutoID:         false,
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     true,
			},
			{
				Name:     fieldContent,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": fmt.Sprintf("%d", types.MaxContentLen),
				},
			},
			{
				Name:     fieldFilename,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": fmt.Sprintf("%d", types.MaxFilenameLen),
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", dim),
				},
			},
		},
	}
}

// EnsureCollection implements ensure_collection(name, dim, recreate):
// if recreate, drop+create fresh; else reuse if present, create
// otherwise. A dim mismatch against an existing collection (when not
// recreating) is a Fatal error requiring recreate.
func (s *Store) EnsureCollection(ctx context.Context, name string, dim int, recreate bool) error {
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}

	if recreate {
		if exists {
			if err := s.Drop(ctx, name); err != nil {
				return err
			}
		}
		return s.create(ctx, name, dim)
	}

	if !exists {
		return s.create(ctx, name, dim)
	}

	existingDim, err := s.collectionDim(ctx, name)
	if err != nil {
		return err
	}
	if existingDim != dim {
		return errors.Fatal("vectorstore.ensure_collection",
			fmt.Sprintf("embedding dimension changed (%d -> %d); collection must be recreated", existingDim, dim), nil)
	}
	return nil
}

func (s *Store) create(ctx context.Context, name string, dim int) error {
	if err := s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.client.CreateCollection(ctx, schema(name, dim), 2)
	}); err != nil {
		return errors.Upstream("vectorstore.create", "create_collection failed", err)
	}
	return nil
}

func (s *Store) collectionDim(ctx context.Context, name string) (int, error) {
	var coll *entity.Collection
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		var describeErr error
		coll, describeErr = s.client.DescribeCollection(ctx, name)
		return describeErr
	})
	if err != nil {
		return 0, errors.Upstream("vectorstore.describe", "describe_collection failed", err)
	}
	for _, f := range coll.Schema.Fields {
		if f.Name == fieldEmbedding {
			if d, ok := f.TypeParams["dim"]; ok {
				var dim int
				fmt.Sscanf(d, "%d", &dim)
				return dim, nil
			}
		}
	}
	return 0, errors.Fatal("vectorstore.describe", "embedding field not found in schema", nil)
}

// Insert inserts parallel rows of (content, filename, embedding).
func (s *Store) Insert(ctx context.Context, name string, contents, filenames []string, embeddings [][]float32) error {
	if len(contents) != len(filenames) || len(contents) != len(embeddings) {
		return errors.Invalid("vectorstore.insert", "parallel arrays must have equal length", nil)
	}
	contentCol := entity.NewColumnVarChar(fieldContent, contents)
	filenameCol := entity.NewColumnVarChar(fieldFilename, filenames)
	vecCol := entity.NewColumnFloatVector(fieldEmbedding, dimOf(embeddings), embeddings)

	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		_, insertErr := s.client.Insert(ctx, name, "", contentCol, filenameCol, vecCol)
		return insertErr
	})
	if err != nil {
		return errors.Upstream("vectorstore.insert", "insert failed", err)
	}
	return nil
}

func dimOf(embeddings [][]float32) int {
	if len(embeddings) == 0 {
		return 0
	}
	return len(embeddings[0])
}

// CreateIndex builds the IVF_FLAT/L2 index (nlist=128) over the
// embedding field. Called once, after the first bulk insert in full
// mode.
func (s *Store) CreateIndex(ctx context.Context, name string) error {
	idx, err := entity.NewIndexIvfFlat(entity.L2, nlist)
	if err != nil {
		return errors.Upstream("vectorstore.create_index", "build index spec failed", err)
	}
	if err := s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.client.CreateIndex(ctx, name, fieldEmbedding, idx, false)
	}); err != nil {
		return errors.Upstream("vectorstore.create_index", "create_index failed", err)
	}
	return nil
}

// Load loads the collection into memory for search.
func (s *Store) Load(ctx context.Context, name string) error {
	if err := s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.client.LoadCollection(ctx, name, false)
	}); err != nil {
		return errors.Upstream("vectorstore.load", "load_collection failed", err)
	}
	s.mu.Lock()
	s.loaded[name] = true
	s.mu.Unlock()
	return nil
}

// DeleteWhere deletes rows matching `filename == value` (the only
// predicate spec.md §4.2 requires).
func (s *Store) DeleteWhere(ctx context.Context, name, filenameValue string) error {
	expr := fmt.Sprintf("%s == %q", fieldFilename, filenameValue)
	if err := s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.client.Delete(ctx, name, "", expr)
	}); err != nil {
		return errors.Upstream("vectorstore.delete_where", "delete failed", err)
	}
	return nil
}

// Search runs an ANN query with L2 metric and nprobe=10, returning up
// to limit hits ordered by ascending distance (best first).
func (s *Store) Search(ctx context.Context, name string, vector []float32, limit int) ([]Hit, error) {
	s.mu.Lock()
	isLoaded := s.loaded[name]
	s.mu.Unlock()
	if !isLoaded {
		return nil, errors.NotFound("vectorstore.search", "space has not been indexed yet")
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(nprobe)
	if err != nil {
		return nil, errors.Upstream("vectorstore.search", "build search param failed", err)
	}

	vec := entity.FloatVector(vector)
	var results []client.SearchResult
	err = s.cb.Execute(ctx, func(ctx context.Context) error {
		var searchErr error
		results, searchErr = s.client.Search(ctx, name, nil, "", []string{fieldContent, fieldFilename}, []entity.Vector{vec}, fieldEmbedding, entity.L2, limit, sp)
		return searchErr
	})
	if err != nil {
		return nil, errors.Upstream("vectorstore.search", "search failed", err)
	}

	var hits []Hit
	for _, r := range results {
		contentCol := columnVarChar(r.Fields, fieldContent)
		filenameCol := columnVarChar(r.Fields, fieldFilename)
		for i := 0; i < r.ResultCount; i++ {
			h := Hit{Score: float64(r.Scores[i])}
			if contentCol != nil {
				h.Content, _ = contentCol.ValueByIdx(i)
			}
			if filenameCol != nil {
				h.Filename, _ = filenameCol.ValueByIdx(i)
			}
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func columnVarChar(fields []entity.Column, name string) *entity.ColumnVarChar {
	for _, f := range fields {
		if f.Name() == name {
			if c, ok := f.(*entity.ColumnVarChar); ok {
				return c
			}
		}
	}
	return nil
}
