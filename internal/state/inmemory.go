package state

import (
	"context"
	"sync"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/policy"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	policies map[string]policy.Table
	feedback map[string][]feedback.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]SessionRecord),
		policies: make(map[string]policy.Table),
		feedback: make(map[string][]feedback.Record),
	}
}

func (s *InMemoryStore) LoadSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, id string, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = rec.Clone()
	return nil
}

func (s *InMemoryStore) LoadPolicy(_ context.Context, id string) (policy.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[id].Clone(), nil
}

func (s *InMemoryStore) SavePolicy(_ context.Context, id string, table policy.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[id] = table.Clone()
	return nil
}

func (s *InMemoryStore) AppendFeedback(_ context.Context, id string, rec feedback.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[id] = append(s.feedback[id], rec)
	return nil
}

func (s *InMemoryStore) ListFeedback(_ context.Context, id string) ([]feedback.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.feedback[id]
	out := make([]feedback.Record, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
