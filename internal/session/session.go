// Package session implements SessionStore: append-only chat session
// persistence under chats/session<N>.json per Space (spec.md §4.5).
//
// Grounded on original_source/backend/services/chat_manager.py for the
// session-numbering and active-session semantics, and the teacher's
// internal/session/manager.go for the mutex-guarded per-key state shape.
package session

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragspace/internal/errors"
	"ragspace/internal/objectstore"
	"ragspace/internal/types"
)

const sessionPrefix = "chats/session"
const sessionSuffix = ".json"

// Info identifies one stored chat session.
type Info struct {
	ID  int
	Key string
}

// Stats summarizes a Space's chat activity.
type Stats struct {
	TotalSessions int
	TotalMessages int
	LastActivity  time.Time
}

// Store is the SessionStore implementation, one per SpaceRegistry.
// Active-session state is process-local, as spec.md §5 requires.
type Store struct {
	objectStore objectstore.Client

	mu     sync.Mutex
	active map[string]string // storage_key -> active session key
}

// New constructs a Store bound to objectStore.
func New(objectStore objectstore.Client) *Store {
	return &Store{objectStore: objectStore, active: make(map[string]string)}
}

func keyForID(id int) string {
	return sessionPrefix + strconv.Itoa(id) + sessionSuffix
}

func idFromKey(key string) (int, bool) {
	fname := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		fname = key[i+1:]
	}
	if !strings.HasPrefix(fname, "session") || !strings.HasSuffix(fname, sessionSuffix) {
		return 0, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(fname, "session"), sessionSuffix)
	id, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Sessions lists every stored session for bucket, newest id first,
// skipping malformed keys.
func (s *Store) Sessions(ctx context.Context, bucket string) ([]Info, error) {
	keys, err := s.objectStore.ListObjects(ctx, bucket, sessionPrefix)
	if err != nil {
		return nil, errors.Upstream("session.sessions", "list objects failed", err)
	}
	out := make([]Info, 0, len(keys))
	for _, k := range keys {
		if id, ok := idFromKey(k); ok {
			out = append(out, Info{ID: id, Key: k})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// highestID returns the largest session id present in bucket, or 0 if none.
func (s *Store) highestID(ctx context.Context, bucket string) (int, error) {
	infos, err := s.Sessions(ctx, bucket)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, info := range infos {
		if info.ID > max {
			max = info.ID
		}
	}
	return max, nil
}

// activeKey returns bucket's active session key, lazily picking the
// highest existing id (or allocating id 1) on first access.
func (s *Store) activeKey(ctx context.Context, bucket string) (string, error) {
	s.mu.Lock()
	if key, ok := s.active[bucket]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	max, err := s.highestID(ctx, bucket)
	if err != nil {
		return "", err
	}
	id := max
	if id == 0 {
		id = 1
	}
	key := keyForID(id)

	s.mu.Lock()
	s.active[bucket] = key
	s.mu.Unlock()
	return key, nil
}

// Load reads the messages in session id for bucket and makes it active.
func (s *Store) Load(ctx context.Context, bucket string, id int) ([]types.Message, error) {
	key := keyForID(id)
	s.mu.Lock()
	s.active[bucket] = key
	s.mu.Unlock()
	return s.readKey(ctx, bucket, key), nil
}

// History returns the active session's messages for bucket, lazily
// resolving the active session if unset.
func (s *Store) History(ctx context.Context, bucket string) ([]types.Message, error) {
	key, err := s.activeKey(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.readKey(ctx, bucket, key), nil
}

func (s *Store) readKey(ctx context.Context, bucket, key string) []types.Message {
	var msgs []types.Message
	s.objectStore.GetJSON(ctx, bucket, key, &msgs)
	return msgs
}

// Append adds message to bucket's active session, creating it if
// necessary. Read-modify-write is not atomic across processes
// (spec.md §5).
func (s *Store) Append(ctx context.Context, bucket string, message types.Message) error {
	key, err := s.activeKey(ctx, bucket)
	if err != nil {
		return err
	}
	history := s.readKey(ctx, bucket, key)
	history = append(history, message)
	if err := s.objectStore.PutJSON(ctx, bucket, key, history); err != nil {
		return errors.Upstream("session.append", "put session failed", err)
	}
	return nil
}

// Clear allocates a new session (max id + 1), initializes it empty, and
// makes it active, returning the new id.
func (s *Store) Clear(ctx context.Context, bucket string) (int, error) {
	max, err := s.highestID(ctx, bucket)
	if err != nil {
		return 0, err
	}
	newID := max + 1
	key := keyForID(newID)
	if err := s.objectStore.PutJSON(ctx, bucket, key, []types.Message{}); err != nil {
		return 0, errors.Upstream("session.clear", "put new session failed", err)
	}

	s.mu.Lock()
	s.active[bucket] = key
	s.mu.Unlock()
	return newID, nil
}

// Stats summarizes bucket's chat activity across all sessions.
func (s *Store) Stats(ctx context.Context, bucket string) (Stats, error) {
	infos, err := s.Sessions(ctx, bucket)
	if err != nil {
		return Stats{}, err
	}

	var totalMessages int
	var lastActivity time.Time
	for _, info := range infos {
		history := s.readKey(ctx, bucket, info.Key)
		totalMessages += len(history)
		if len(history) > 0 {
			ts := history[len(history)-1].Timestamp
			if ts.After(lastActivity) {
				lastActivity = ts
			}
		}
	}

	return Stats{
		TotalSessions: len(infos),
		TotalMessages: totalMessages,
		LastActivity:  lastActivity,
	}, nil
}
