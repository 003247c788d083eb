package profile

import (
	"context"
	"strings"
	"sync"
)

// InMemoryStore is a simple in-process directory for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{profiles: make(map[string]Profile)}
}

func (s *InMemoryStore) Resolve(_ context.Context, participantID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[strings.TrimSpace(participantID)]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, p Profile) error {
	p.ParticipantID = strings.TrimSpace(p.ParticipantID)
	if p.ParticipantID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ParticipantID] = p
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
