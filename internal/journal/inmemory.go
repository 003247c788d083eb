package journal

import (
	"context"
	"sync"
	"time"
)

const defaultLimit = 512

// InMemoryStore keeps per-session trails in process memory, newest first,
// trimmed to the configured limit.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	entries map[string][]Entry
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &InMemoryStore{
		limit:   limit,
		entries: make(map[string][]Entry),
	}
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.SessionID == "" {
		return nil
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]Entry{entry}, s.entries[entry.SessionID]...)
	if len(list) > s.limit {
		list = list[:s.limit]
	}
	s.entries[entry.SessionID] = list
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, n int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[sessionID]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]Entry, n)
	copy(out, list[:n])
	return out, nil
}

// Drop discards one session's trail, e.g. when the session ends.
func (s *InMemoryStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

func (s *InMemoryStore) Close() error { return nil }
