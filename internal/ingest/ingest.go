// Package ingest implements the IngestionPipeline: walk target paths,
// detect new/changed files, extract and chunk text, embed, write
// vectors, rebuild BM25, and emit structured progress (spec.md §4.6).
//
// Grounded on original_source/backend/services/indexer_core.py
// (IndexerWithCallbacks) and file_types.py for the supported-extension
// closed set.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"ragspace/internal/bm25"
	"ragspace/internal/embeddings"
	"ragspace/internal/errors"
	"ragspace/internal/logging"
	"ragspace/internal/objectstore"
	"ragspace/internal/types"
	"ragspace/internal/vectorstore"
)

// excludedPathComponents mirrors indexer_core.py's directory skip-list.
var excludedPathComponents = map[string]bool{
	".git":         true,
	"venv":         true,
	"__pycache__":  true,
	"node_modules": true,
}

// supportedExtensions is the closed set of indexable file extensions,
// ported from file_types.py's SUPPORTED_EXTENSIONS.
var supportedExtensions = buildSupportedExtensions()

func buildSupportedExtensions() map[string]bool {
	groups := [][]string{
		{".pdf", ".docx", ".xlsx", ".xls", ".pptx"},
		{".txt", ".md", ".markdown", ".rst", ".json", ".yaml", ".yml", ".toml", ".xml", ".csv", ".log", ".ini", ".cfg", ".conf", ".env"},
		{".html", ".htm", ".css", ".scss", ".sass", ".less", ".js", ".jsx", ".ts", ".tsx", ".vue", ".svelte"},
		{".py", ".pyw", ".pyx", ".java", ".kt", ".scala", ".groovy", ".rb", ".rake", ".gemspec", ".php", ".phtml", ".go", ".rs"},
		{".c", ".h", ".cpp", ".cc", ".cxx", ".hpp", ".hxx", ".cs", ".swift", ".m", ".mm", ".lua", ".r", ".sql"},
		{".sh", ".bash", ".zsh", ".fish", ".ps1", ".psm1", ".bat", ".cmd"},
		{".graphql", ".proto", ".dockerfile", ".dockerignore", ".gitignore", ".gitattributes", ".editorconfig"},
		{".tex", ".bib"},
	}
	out := make(map[string]bool)
	for _, g := range groups {
		for _, ext := range g {
			out[ext] = true
		}
	}
	return out
}

// IsSupported reports whether filename's extension is in the closed set.
func IsSupported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext != "" && supportedExtensions[ext]
}

func hasExcludedComponent(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if excludedPathComponents[part] {
			return true
		}
	}
	return false
}

// TextExtractor is the capability interface responsible for turning a
// file on disk into plain text, keyed by extension. Document-format
// parsing (PDF/DOCX/XLSX/PPTX) lives behind this interface rather than
// in this package (spec.md Non-goals; SPEC_FULL.md §10).
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Input describes one indexing run.
type Input struct {
	StorageKey        string
	CollectionKey     string
	TargetPaths       []string
	ChunkSize         int
	EmbeddingModel    string
	KnownEmbeddingDim int
	IndexedFiles      map[string]types.FileFingerprint
	Extractor         TextExtractor
	OnEvent           func(types.ProgressEvent)
	Stop              *atomic.Bool
}

// Result is the outcome of a completed (or stopped) run.
type Result struct {
	FilesTotal     int
	FilesProcessed int
	ChunksTotal    int
	EmbeddingDim   int
	IndexedFiles   map[string]types.FileFingerprint
	Stopped        bool
}

// Pipeline is the IngestionPipeline implementation.
type Pipeline struct {
	vectorStore vectorstore.VectorStore
	embedder    embeddings.Embedder
	objectStore objectstore.Client
	log         logging.Logger
}

// New constructs a Pipeline bound to its collaborators.
func New(vs vectorstore.VectorStore, embedder embeddings.Embedder, objStore objectstore.Client) *Pipeline {
	return &Pipeline{vectorStore: vs, embedder: embedder, objectStore: objStore, log: logging.New("ingest")}
}

func emit(in Input, eventType types.ProgressEventType, data map[string]any) {
	if in.OnEvent == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	in.OnEvent(types.ProgressEvent{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
}

func stopped(in Input) bool {
	return in.Stop != nil && in.Stop.Load()
}

// Run executes the full algorithm described in spec.md §4.6.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	if err := validatePaths(in.TargetPaths); err != nil {
		emit(in, types.EventError, map[string]any{"error": "Invalid path", "message": err.Error()})
		return nil, err
	}

	emit(in, types.EventStarted, map[string]any{"message": "starting indexing run"})

	dim, err := p.detectDimension(ctx, in)
	if err != nil {
		emit(in, types.EventError, map[string]any{"error": "Dimension detection failed", "message": err.Error()})
		return nil, err
	}

	incremental := len(in.IndexedFiles) > 0

	emit(in, types.EventCountingFiles, nil)
	eligible, totalFiles := enumerateFiles(in.TargetPaths)
	toProcess := selectFilesNeedingIndexing(eligible, in.IndexedFiles, incremental)
	emit(in, types.EventFilesCounted, map[string]any{"files_total": totalFiles, "files_to_process": len(toProcess)})

	if len(toProcess) == 0 {
		emit(in, types.EventComplete, map[string]any{
			"files_total":      totalFiles,
			"files_processed":  0,
			"embedding_dim":    dim,
			"message":          "all files are up to date, nothing to index",
			"indexed_metadata": in.IndexedFiles,
		})
		return &Result{FilesTotal: totalFiles, IndexedFiles: in.IndexedFiles}, nil
	}

	if err := p.setupCollection(ctx, in, dim, incremental); err != nil {
		emit(in, types.EventError, map[string]any{"error": "Collection setup failed", "message": err.Error()})
		return nil, err
	}

	var contents, filenames []string
	var embeddingRows [][]float32
	newMetadata := make(map[string]types.FileFingerprint, len(toProcess))

	filesProcessed := 0
	for _, file := range toProcess {
		if stopped(in) {
			break
		}
		filename := filepath.Base(file.path)

		wasIndexed := false
		_, previouslyIndexed := in.IndexedFiles[filename]
		if incremental && previouslyIndexed {
			wasIndexed = true
			if err := p.vectorStore.DeleteWhere(ctx, in.CollectionKey, filename); err != nil {
				emit(in, types.EventFileError, map[string]any{"current_file": filename, "error": err.Error()})
			} else {
				emit(in, types.EventFileDeleted, map[string]any{"current_file": filename})
			}
		}

		emit(in, types.EventFileStarted, map[string]any{
			"current_file":    filename,
			"files_processed": filesProcessed,
			"files_total":     len(toProcess),
		})

		chunks, err := p.processFile(ctx, in, file.path)
		if err != nil {
			emit(in, types.EventFileError, map[string]any{"current_file": filename, "error": err.Error(), "message": err.Error()})
		} else {
			// embedChunks may return fewer vectors than len(chunks) if the
			// stop flag trips mid-file; only the chunks actually embedded
			// are appended, keeping contents/filenames/embeddingRows
			// parallel.
			embedded, embedErr := p.embedChunks(ctx, in, chunks)
			if embedErr != nil {
				emit(in, types.EventFileError, map[string]any{"current_file": filename, "error": embedErr.Error()})
			} else {
				for i, vec := range embedded {
					contents = append(contents, chunks[i])
					filenames = append(filenames, filename)
					embeddingRows = append(embeddingRows, vec)
				}
				if len(embedded) == len(chunks) {
					newMetadata[filename] = file.fingerprint
				}
			}
		}

		filesProcessed++
		action := "Indexed"
		if wasIndexed {
			action = "Updated"
		}
		emit(in, types.EventFileCompleted, map[string]any{
			"current_file":    filename,
			"files_processed": filesProcessed,
			"files_total":     len(toProcess),
			"chunks_total":    len(contents),
			"message":         action + " " + filename,
		})

		if stopped(in) {
			break
		}
	}

	finalMetadata := mergeMetadata(in.IndexedFiles, newMetadata)

	if stopped(in) {
		emit(in, types.EventStopped, map[string]any{"message": "indexing stopped by user"})
		return &Result{FilesTotal: totalFiles, FilesProcessed: filesProcessed, EmbeddingDim: dim, IndexedFiles: finalMetadata, Stopped: true}, nil
	}

	if len(contents) == 0 {
		emit(in, types.EventComplete, map[string]any{
			"files_total":      totalFiles,
			"embedding_dim":    dim,
			"message":          "no content extracted",
			"indexed_metadata": finalMetadata,
		})
		return &Result{FilesTotal: totalFiles, FilesProcessed: filesProcessed, EmbeddingDim: dim, IndexedFiles: finalMetadata}, nil
	}

	if err := p.persist(ctx, in, contents, filenames, embeddingRows, !incremental); err != nil {
		emit(in, types.EventError, map[string]any{"error": "Persistence failed", "message": err.Error()})
		return nil, err
	}

	emit(in, types.EventComplete, map[string]any{
		"files_total":      totalFiles,
		"files_processed":  filesProcessed,
		"chunks_total":     len(contents),
		"embedding_dim":    dim,
		"indexed_metadata": finalMetadata,
	})

	return &Result{
		FilesTotal:     totalFiles,
		FilesProcessed: filesProcessed,
		ChunksTotal:    len(contents),
		EmbeddingDim:   dim,
		IndexedFiles:   finalMetadata,
	}, nil
}

func validatePaths(paths []string) error {
	if len(paths) == 0 {
		return errors.Invalid("ingest.validate", "no paths specified for indexing", nil)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return errors.Invalid("ingest.validate", "path does not exist: "+p, nil)
		}
	}
	return nil
}

// detectDimension implements the dimension probe: if a dimension is
// already known, it's used as-is; otherwise embed a one-token probe and
// use the returned vector's length. Failure is fatal.
func (p *Pipeline) detectDimension(ctx context.Context, in Input) (int, error) {
	if in.KnownEmbeddingDim > 0 {
		return in.KnownEmbeddingDim, nil
	}
	emit(in, types.EventDetectingDimension, nil)
	vec, err := p.embedder.Embed(ctx, in.EmbeddingModel, "test")
	if err != nil {
		return 0, errors.Fatal("ingest.detect_dimension", "failed to detect embedding dimension", err)
	}
	dim := len(vec)
	emit(in, types.EventDimensionDetected, map[string]any{"embedding_dim": dim})
	return dim, nil
}

func (p *Pipeline) setupCollection(ctx context.Context, in Input, dim int, incremental bool) error {
	exists, err := p.vectorStore.Exists(ctx, in.CollectionKey)
	if err != nil {
		return err
	}

	if incremental && exists {
		if err := p.vectorStore.EnsureCollection(ctx, in.CollectionKey, dim, false); err != nil {
			return err
		}
		if err := p.vectorStore.Load(ctx, in.CollectionKey); err != nil {
			return err
		}
		emit(in, types.EventCollectionReused, map[string]any{"collection": in.CollectionKey})
		return nil
	}

	recreate := exists
	if err := p.vectorStore.EnsureCollection(ctx, in.CollectionKey, dim, recreate); err != nil {
		return err
	}
	if recreate {
		emit(in, types.EventCollectionReset, map[string]any{"collection": in.CollectionKey})
	} else {
		emit(in, types.EventCollectionCreated, map[string]any{"collection": in.CollectionKey, "embedding_dim": dim})
	}
	return nil
}

type eligibleFile struct {
	path        string
	fingerprint types.FileFingerprint
}

// enumerateFiles walks every target path, skipping excluded directory
// components, returning every extension-eligible file with its
// fingerprint plus the total count.
func enumerateFiles(targetPaths []string) ([]eligibleFile, int) {
	var eligible []eligibleFile
	for _, target := range targetPaths {
		info, err := os.Stat(target)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if IsSupported(target) {
				eligible = append(eligible, eligibleFile{path: target, fingerprint: fingerprintOf(info)})
			}
			continue
		}
		_ = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if hasExcludedComponent(path) {
				return nil
			}
			if !IsSupported(path) {
				return nil
			}
			fi, statErr := d.Info()
			if statErr != nil {
				return nil
			}
			eligible = append(eligible, eligibleFile{path: path, fingerprint: fingerprintOf(fi)})
			return nil
		})
	}
	return eligible, len(eligible)
}

func fingerprintOf(info os.FileInfo) types.FileFingerprint {
	return types.FileFingerprint{Size: info.Size(), MTime: info.ModTime()}
}

// selectFilesNeedingIndexing implements change detection: in full mode
// (incremental=false) every eligible file needs indexing; in
// incremental mode, only files absent from prior or whose fingerprint
// changed.
func selectFilesNeedingIndexing(eligible []eligibleFile, prior map[string]types.FileFingerprint, incremental bool) []eligibleFile {
	if !incremental {
		return eligible
	}
	var out []eligibleFile
	for _, f := range eligible {
		filename := filepath.Base(f.path)
		stored, ok := prior[filename]
		if !ok || stored.Size != f.fingerprint.Size || !stored.MTime.Equal(f.fingerprint.MTime) {
			out = append(out, f)
		}
	}
	return out
}

// processFile extracts text and splits it into fixed-width chunks. An
// extraction error is returned to the caller, which emits file_error
// and continues; empty-after-trim text yields zero chunks.
func (p *Pipeline) processFile(ctx context.Context, in Input, path string) ([]string, error) {
	text, err := in.Extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return chunkText(text, in.ChunkSize), nil
}

// chunkText splits text into fixed-width character chunks; the last
// chunk may be shorter.
func chunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	runes := []rune(text)
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// embedChunks computes an embedding per chunk, checking the stop flag
// at each chunk boundary.
func (p *Pipeline) embedChunks(ctx context.Context, in Input, chunks []string) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for _, chunk := range chunks {
		if stopped(in) {
			break
		}
		vec, err := p.embedder.Embed(ctx, in.EmbeddingModel, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func mergeMetadata(prior, fresh map[string]types.FileFingerprint) map[string]types.FileFingerprint {
	out := make(map[string]types.FileFingerprint, len(prior)+len(fresh))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}

// persist inserts the batch, creates the index on full-mode runs,
// loads the collection, and rebuilds BM25 under union semantics
// (merging with any prior artifact — SPEC_FULL.md §9.1) before saving.
// A BM25 build or save failure is logged as a warning and does not fail
// the run: the vector index written above remains usable.
func (p *Pipeline) persist(ctx context.Context, in Input, contents, filenames []string, embeddingRows [][]float32, isFullMode bool) error {
	emit(in, types.EventInsertingData, map[string]any{"count": len(contents)})
	if err := p.vectorStore.Insert(ctx, in.CollectionKey, contents, filenames, embeddingRows); err != nil {
		return err
	}

	if isFullMode {
		emit(in, types.EventCreatingIndex, nil)
		if err := p.vectorStore.CreateIndex(ctx, in.CollectionKey); err != nil {
			return err
		}
	}

	if err := p.vectorStore.Load(ctx, in.CollectionKey); err != nil {
		return err
	}

	emit(in, types.EventIndexingBM25, nil)
	mergedContents, mergedFilenames := contents, filenames
	prior, found, err := bm25.Load(ctx, p.objectStore, in.StorageKey)
	if err != nil {
		p.log.Warn("bm25 load failed, rebuilding from current batch only", "err", err)
	} else if found {
		priorArtifact := prior.Artifact()
		mergedContents, mergedFilenames = bm25.Merge(priorArtifact.Contents, priorArtifact.Filenames, contents, filenames)
	}

	idx, err := bm25.Build(mergedContents, mergedFilenames)
	if err != nil {
		p.log.Warn("bm25 build failed, vector index remains usable", "err", err)
		return nil
	}
	if err := bm25.Save(ctx, p.objectStore, in.StorageKey, idx); err != nil {
		p.log.Warn("bm25 save failed, vector index remains usable", "err", err)
		return nil
	}
	emit(in, types.EventBM25Saved, nil)
	return nil
}
