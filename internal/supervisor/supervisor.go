// Package supervisor implements the IndexingSupervisor: the singleton
// orchestrator owning the single in-flight indexing job, a bounded lossy
// progress queue, and the subscriber set for live progress, persisting
// last-known progress per Space (spec.md §4.8).
//
// Grounded on original_source/backend/services/indexing_manager.py
// (is_running guard, progress_queue, last_progress persistence,
// bucket-name cross-check on load) and the teacher's websocket/hub.go
// for the Go broadcaster/subscriber shape.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"ragspace/internal/errors"
	"ragspace/internal/logging"
	"ragspace/internal/objectstore"
	"ragspace/internal/types"
)

const defaultQueueSize = 256

// StatsUpdater is the subset of SpaceRegistry the supervisor needs to
// write indexing results back to a Space's persisted config.json once
// a run completes (spec.md §4.6 step 8). Satisfied by
// *space.Registry; accepted as an interface here to avoid a direct
// package dependency.
type StatsUpdater interface {
	UpdateStatsByBucket(ctx context.Context, bucket string, fileCount, embeddingDim int, indexedFiles map[string]types.FileFingerprint) error
}

// Status is the snapshot returned by Status().
type Status struct {
	IsRunning       bool
	CurrentBucket   string
	LastProgress    *types.ProgressEvent
	SubscriberCount int
}

// WorkFunc is the indexing job body. It must check stop at file/chunk
// boundaries and call emit for every progress event.
type WorkFunc func(ctx context.Context, stop *atomic.Bool, emit func(types.ProgressEvent))

// Subscriber is one live progress listener.
type Subscriber struct {
	ID int
	Ch chan types.ProgressEvent
}

// Supervisor is the IndexingSupervisor implementation. One instance per
// process, shared across all Spaces — at most one job runs at a time
// regardless of which Space it targets.
type Supervisor struct {
	objectStore objectstore.Client
	stats       StatsUpdater
	log         logging.Logger

	mu            sync.Mutex
	isRunning     bool
	currentBucket string
	stopFlag      *atomic.Bool

	subMu       sync.Mutex
	subscribers map[int]chan types.ProgressEvent
	nextSubID   int

	queue chan types.ProgressEvent

	progressMu   sync.Mutex
	lastProgress *types.ProgressEvent
}

// New constructs a Supervisor with a bounded progress queue. stats may
// be nil, in which case completed runs are not written back to any
// SpaceRegistry (progress is still tracked and persisted as usual).
func New(objectStore objectstore.Client, stats StatsUpdater) *Supervisor {
	return &Supervisor{
		objectStore: objectStore,
		stats:       stats,
		log:         logging.New("supervisor"),
		subscribers: make(map[int]chan types.ProgressEvent),
		queue:       make(chan types.ProgressEvent, defaultQueueSize),
	}
}

// Status returns a snapshot of the supervisor's current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.isRunning
	bucket := s.currentBucket
	s.mu.Unlock()

	s.progressMu.Lock()
	last := s.lastProgress
	s.progressMu.Unlock()

	s.subMu.Lock()
	count := len(s.subscribers)
	s.subMu.Unlock()

	return Status{IsRunning: running, CurrentBucket: bucket, LastProgress: last, SubscriberCount: count}
}

// Start launches work in a background goroutine against bucket's
// indexing job. Fails fast with a Conflict error if a job is already
// running, matching indexing_manager.py's "Indexing is already in
// progress".
func (s *Supervisor) Start(ctx context.Context, bucket string, work WorkFunc) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.Conflict("supervisor.start", "indexing is already in progress")
	}
	s.isRunning = true
	s.currentBucket = bucket
	stopFlag := &atomic.Bool{}
	s.stopFlag = stopFlag
	s.mu.Unlock()

	s.progressMu.Lock()
	s.lastProgress = nil
	s.progressMu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()
		work(ctx, stopFlag, func(event types.ProgressEvent) { s.emit(bucket, event) })
	}()

	return nil
}

// Stop sets the running job's cooperative stop flag and returns
// immediately. Returns false if no job is running.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning || s.stopFlag == nil {
		return false
	}
	s.stopFlag.Store(true)
	return true
}

// emit records event as the last progress, persists it best-effort, and
// enqueues it non-blockingly, dropping the oldest queued event on
// overflow (progress is lossy, not correctness-critical).
func (s *Supervisor) emit(bucket string, event types.ProgressEvent) {
	s.progressMu.Lock()
	e := event
	s.lastProgress = &e
	s.progressMu.Unlock()

	s.persistProgress(bucket, event)

	if event.Type == types.EventComplete {
		s.writeBackStats(bucket, event)
	}

	select {
	case s.queue <- event:
	default:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
		default:
		}
	}
}

// writeBackStats implements spec.md §4.6 step 8: on complete, update
// file_count and embedding_dim (and the refreshed indexed-files
// fingerprint map) in the Space's persisted config. Best-effort, like
// persistProgress — a write-back failure must not abort or retry the
// indexing run that already completed.
func (s *Supervisor) writeBackStats(bucket string, event types.ProgressEvent) {
	if s.stats == nil {
		return
	}
	filesTotal, _ := event.Data["files_total"].(int)
	embeddingDim, _ := event.Data["embedding_dim"].(int)
	indexedFiles, _ := event.Data["indexed_metadata"].(map[string]types.FileFingerprint)

	if err := s.stats.UpdateStatsByBucket(context.Background(), bucket, filesTotal, embeddingDim, indexedFiles); err != nil {
		s.log.Warn("failed to write back indexing stats", "bucket", bucket, "err", err)
	}
}

func (s *Supervisor) persistProgress(bucket string, event types.ProgressEvent) {
	doc := types.ProgressStateDoc{BucketName: bucket, LastProgress: event}
	if err := s.objectStore.PutJSON(context.Background(), bucket, "progress_state.json", doc); err != nil {
		s.log.Warn("failed to persist progress state", "bucket", bucket, "err", err)
	}
}

// LoadPersistedProgress restores progress_state.json for bucket,
// trusting it only if its recorded bucket_name matches bucket — the
// cross-check SPEC_FULL.md §10 carries over from the Python original.
func (s *Supervisor) LoadPersistedProgress(ctx context.Context, bucket string) (*types.ProgressEvent, bool) {
	var doc types.ProgressStateDoc
	s.objectStore.GetJSON(ctx, bucket, "progress_state.json", &doc)
	if doc.BucketName == "" || doc.BucketName != bucket {
		return nil, false
	}
	return &doc.LastProgress, true
}

// Dequeue performs a non-blocking read of the next queued event.
func (s *Supervisor) Dequeue() (types.ProgressEvent, bool) {
	select {
	case e := <-s.queue:
		return e, true
	default:
		return types.ProgressEvent{}, false
	}
}

// AddSubscriber registers a new live progress listener and returns it.
// If the supervisor holds a last-progress event in memory, that event is
// queued on the new channel straight away so a late subscriber can
// resync immediately.
func (s *Supervisor) AddSubscriber() Subscriber {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan types.ProgressEvent, defaultQueueSize)
	s.subscribers[id] = ch
	s.subMu.Unlock()

	s.progressMu.Lock()
	last := s.lastProgress
	s.progressMu.Unlock()
	if last != nil {
		select {
		case ch <- *last:
		default:
		}
	}

	return Subscriber{ID: id, Ch: ch}
}

// RemoveSubscriber evicts id from the subscriber set. Safe to call more
// than once.
func (s *Supervisor) RemoveSubscriber(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Subscribers returns a snapshot of live subscriber channels, for the
// ProgressBroadcaster to fan events out to.
func (s *Supervisor) Subscribers() []Subscriber {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]Subscriber, 0, len(s.subscribers))
	for id, ch := range s.subscribers {
		out = append(out, Subscriber{ID: id, Ch: ch})
	}
	return out
}
