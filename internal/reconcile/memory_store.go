package reconcile

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	pending map[string]*PendingSettlement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]*PendingSettlement)}
}

func (s *MemoryStore) Create(_ context.Context, p *PendingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pending[p.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*PendingSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingSettlement, 0, len(s.pending))
	for _, p := range s.pending {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, p *PendingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[p.ID]; !ok {
		return ErrSettlementNotFound
	}
	cp := *p
	s.pending[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return ErrSettlementNotFound
	}
	delete(s.pending, id)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending), nil
}
