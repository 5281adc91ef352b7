package guest

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store for tests and single-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.TokenID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tokenID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) AddTaps(_ context.Context, tokenID string, n int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if s.State(now) == StateExpired {
		return 0, ErrTokenExpired
	}
	s.CumulativeTapCount += n
	m.sessions[tokenID] = s
	return s.CumulativeTapCount, nil
}
