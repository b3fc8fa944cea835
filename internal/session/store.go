// ABOUTME: Store contract for session persistence plus the in-memory backend
// ABOUTME: GetOrCreate is idempotent; AttachThreadID is a race-safe first-use latch

package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a session does not exist for the given key.
var ErrNotFound = errors.New("session not found")

// ErrWrongMode is returned when a thread ID is attached to a chat-mode
// session. Chat sessions never acquire backend threads.
var ErrWrongMode = errors.New("session is not in assistant mode")

// Store persists sessions keyed by ConversationKey. Implementations must
// make each operation atomic with respect to concurrent callers on the
// same key.
type Store interface {
	// GetOrCreate returns the session for key, creating it with the given
	// mode if absent. Repeated calls with the same key return the same
	// session; an existing session keeps its original mode.
	GetOrCreate(ctx context.Context, key string, mode Mode) (*Session, error)

	// AttachThreadID records the backend thread for an assistant session.
	// Only the first attach takes effect; later calls are no-ops that
	// return the already-attached ID. The returned ID is authoritative.
	AttachThreadID(ctx context.Context, key, threadID string) (string, error)

	// Touch updates the session's last-activity timestamp.
	Touch(ctx context.Context, key string, at time.Time) error

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore keeps sessions in a process-lifetime map. Conversation
// cardinality is bounded by the joined-room population, so there is no
// eviction.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(_ context.Context, key string, mode Mode) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return snapshot(s), nil
	}

	now := time.Now()
	s := &Session{
		Key:          key,
		Mode:         mode,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[key] = s
	return snapshot(s), nil
}

// AttachThreadID implements Store.
func (m *MemoryStore) AttachThreadID(_ context.Context, key, threadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return "", ErrNotFound
	}
	if s.Mode != ModeAssistant {
		return "", ErrWrongMode
	}
	if s.BackendThreadID != "" {
		return s.BackendThreadID, nil
	}
	s.BackendThreadID = threadID
	return threadID, nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = at
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

// snapshot copies a session so callers never share mutable state.
func snapshot(s *Session) *Session {
	out := *s
	return &out
}
