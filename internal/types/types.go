// Package types holds the shared data model for ragspace: Spaces, chunks,
// sessions, and progress events.
package types

import "time"

// SpaceConfig holds the per-Space tunables that govern indexing and
// retrieval. EmbeddingDim is auto-detected on first index and governs
// the vector collection's schema once set.
type SpaceConfig struct {
	ChunkSize      int     `json:"chunk_size"`
	LLMModel       string  `json:"llm_model"`
	EmbeddingModel string  `json:"embedding_model"`
	EmbeddingDim   int     `json:"embedding_dim"`
	Temperature    float64 `json:"temperature"`
}

// DefaultSpaceConfig returns the config used when a Space is created
// without an explicit one.
func DefaultSpaceConfig() SpaceConfig {
	return SpaceConfig{
		ChunkSize:      1000,
		LLMModel:       "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Temperature:    0.7,
	}
}

// FileFingerprint is the (size, mtime) pair used for change detection
// during incremental indexing.
type FileFingerprint struct {
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// Space is a logical tenant: one storage bucket plus one vector
// collection. StorageKey and CollectionKey are pure functions of Name
// and must never be derived from anything else.
type Space struct {
	Name          string                     `json:"name"`
	StorageKey    string                     `json:"-"`
	CollectionKey string                     `json:"-"`
	Config        SpaceConfig                `json:"config"`
	FileCount     int                        `json:"file_count"`
	LastIndexed   *time.Time                 `json:"last_indexed"`
	IndexedFiles  map[string]FileFingerprint `json:"indexed_files_metadata"`

	// Directories is derived: the object keys under uploads/ in the
	// ObjectStore. Never authoritative; refreshed by SpaceRegistry.SyncFiles.
	Directories []string `json:"-"`
}

// SpaceConfigDoc is the exact shape persisted at config.json in the
// Space's bucket root (spec.md §4.4/§6).
type SpaceConfigDoc struct {
	Name         string                     `json:"name"`
	Config       SpaceConfig                `json:"config"`
	FileCount    int                        `json:"file_count"`
	LastIndexed  *time.Time                 `json:"last_indexed"`
	IndexedFiles map[string]FileFingerprint `json:"indexed_files_metadata,omitempty"`
}

// Chunk is a fixed-width slice of extracted document text paired with
// its embedding. Chunks have no stable cross-run identity; they are
// owned by Filename, the unit of delete-on-reindex.
type Chunk struct {
	Content   string    `json:"content"`
	Filename  string    `json:"filename"`
	Embedding []float32 `json:"-"`
	Score     float64   `json:"score,omitempty"`
	Type      string    `json:"type,omitempty"` // "vector" | "bm25"
}

// MaxContentLen and MaxFilenameLen bound Chunk fields per the vector
// store schema (spec.md §3/§4.2).
const (
	MaxContentLen  = 5000
	MaxFilenameLen = 500
)

// BM25Artifact is the sparse index's corpus: the parallel
// contents/filenames arrays it was built from. bm25.Index.Artifact
// leaves State empty; the scoring state is rebuilt from the corpus on
// load rather than stored.
type BM25Artifact struct {
	State     []byte   `json:"state"`
	Contents  []string `json:"contents"`
	Filenames []string `json:"filenames"`
}

// Role is a ChatSession message's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SourceSummary is the trimmed chunk attribution attached to an
// assistant message.
type SourceSummary struct {
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
}

// Message is one entry of a ChatSession's append-only log.
type Message struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Sources   []SourceSummary `json:"sources,omitempty"`
}

// ChatSession is the full, ordered message log for one session<N>.json.
type ChatSession struct {
	ID       int       `json:"-"`
	Messages []Message `json:"-"`
}

// ProgressEventType enumerates the closed set of indexing progress
// events (spec.md §4.8).
type ProgressEventType string

const (
	EventStarted            ProgressEventType = "started"
	EventDownloading        ProgressEventType = "downloading"
	EventMilvusConnected    ProgressEventType = "milvus_connected"
	EventCountingFiles      ProgressEventType = "counting_files"
	EventFilesCounted       ProgressEventType = "files_counted"
	EventDetectingDimension ProgressEventType = "detecting_dimension"
	EventDimensionDetected  ProgressEventType = "dimension_detected"
	EventCollectionCreated  ProgressEventType = "collection_created"
	EventCollectionReset    ProgressEventType = "collection_reset"
	EventCollectionReused   ProgressEventType = "collection_reused"
	EventFileStarted        ProgressEventType = "file_started"
	EventFileCompleted      ProgressEventType = "file_completed"
	EventFileDeleted        ProgressEventType = "file_deleted"
	EventFileError          ProgressEventType = "file_error"
	EventInsertingData      ProgressEventType = "inserting_data"
	EventCreatingIndex      ProgressEventType = "creating_index"
	EventIndexingBM25       ProgressEventType = "indexing_bm25"
	EventBM25Saved          ProgressEventType = "bm25_saved"
	EventComplete           ProgressEventType = "complete"
	EventStopped            ProgressEventType = "stopped"
	EventError              ProgressEventType = "error"
)

// ProgressEvent is one unit of indexing progress, persisted as the last
// known state per Space so late subscribers can resync.
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]any    `json:"data"`
}

// ProgressStateDoc is the exact shape persisted at progress_state.json.
type ProgressStateDoc struct {
	BucketName    string        `json:"bucket_name"`
	LastProgress  ProgressEvent `json:"last_progress"`
}
