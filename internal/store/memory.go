package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/pagesmith/internal/domain"
)

// MemoryStore keeps sessions in process memory. It is only suitable for a
// single-instance deployment.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.Session)}
}

// Create implements Repository.
func (m *MemoryStore) Create(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Get implements Repository.
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Replace implements Repository.
func (m *MemoryStore) Replace(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Delete implements Repository.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// ListIdle implements IdleLister. Closed sessions are skipped.
func (m *MemoryStore) ListIdle(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type idle struct {
		id      string
		updated time.Time
	}
	var found []idle
	for id, s := range m.sessions {
		if !s.Status.Closed() && s.UpdatedAt.Before(before) {
			found = append(found, idle{id, s.UpdatedAt})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].updated.Before(found[j].updated) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, 0, len(found))
	for _, f := range found {
		ids = append(ids, f.id)
	}
	return ids, nil
}

// Ping implements Repository.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (m *MemoryStore) Close() error { return nil }
