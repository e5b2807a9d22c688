package handshake

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Handshake
	byInterest map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Handshake),
		byInterest: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, h *Handshake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byInterest[h.Ref.InterestID]; ok {
		return ErrAlreadyExists
	}
	cp := *h
	s.byID[h.ID] = &cp
	s.byInterest[h.Ref.InterestID] = h.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Handshake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	if !ok {
		return nil, ErrHandshakeNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetByInterest(_ context.Context, interestID string) (*Handshake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byInterest[interestID]
	if !ok {
		return nil, ErrHandshakeNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, h *Handshake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[h.ID]; !ok {
		return ErrHandshakeNotFound
	}
	cp := *h
	s.byID[h.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Handshake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Handshake
	for _, h := range s.byID {
		if h.User1 == userID || h.User2 == userID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
