package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")
var ErrNotMember = errors.New("participant not in session")

// Session is one interpretation call: the roster with each participant's
// language, and the session-wide current speaker (at most one at a time).
type Session struct {
	ID             string            `json:"session_id"`
	Status         Status            `json:"status"`
	Roster         map[string]string `json:"roster"`
	CurrentSpeaker string            `json:"current_speaker,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    5 * time.Minute,
	}
}

// SetEndedRetention controls how long ended sessions stay readable before the
// janitor purges them.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.endedRetention = d
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		Roster:         make(map[string]string),
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// List returns all tracked sessions, active and recently ended.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	return out
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Join adds or updates a participant's language on the roster.
func (m *Manager) Join(sessionID, participantID, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		return ErrNotFound
	}
	s.Roster[participantID] = language
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Leave removes a participant. Reports whether the roster is now empty.
func (m *Manager) Leave(sessionID, participantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	delete(s.Roster, participantID)
	if s.CurrentSpeaker == participantID {
		s.CurrentSpeaker = ""
	}
	s.LastActivityAt = time.Now().UTC()
	return len(s.Roster) == 0, nil
}

// SetSpeaker marks who is actively talking; the empty string clears it. A
// speaker must be on the roster.
func (m *Manager) SetSpeaker(sessionID, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if participantID != "" {
		if _, member := s.Roster[participantID]; !member {
			return ErrNotMember
		}
	}
	s.CurrentSpeaker = participantID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.CurrentSpeaker = ""
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch s.Status {
		case StatusActive:
			if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
				continue
			}
			s.Status = StatusEnded
			s.CurrentSpeaker = ""
			s.LastActivityAt = now
			expired = append(expired, clone(s))
		case StatusEnded:
			if now.Sub(s.LastActivityAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Roster = make(map[string]string, len(s.Roster))
	for id, lang := range s.Roster {
		c.Roster[id] = lang
	}
	return &c
}
