package interest

import (
	"context"
	"sort"
	"sync"

	"github.com/thehive/hive/internal/listing"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Interest
	byListing map[string]string // kind:listing:user -> id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Interest),
		byListing: make(map[string]string),
	}
}

func tripleKey(kind listing.Kind, listingID, userID string) string {
	return string(kind) + ":" + listingID + ":" + userID
}

func (s *MemoryStore) Create(_ context.Context, in *Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tripleKey(in.ListingKind, in.ListingID, in.UserID)
	if _, ok := s.byListing[k]; ok {
		return ErrDuplicateInterest
	}
	cp := *in
	s.byID[in.ID] = &cp
	s.byListing[k] = in.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.byID[id]
	if !ok {
		return nil, ErrInterestNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) GetByListingUser(_ context.Context, kind listing.Kind, listingID, userID string) (*Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byListing[tripleKey(kind, listingID, userID)]
	if !ok {
		return nil, ErrInterestNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, in *Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[in.ID]; !ok {
		return ErrInterestNotFound
	}
	cp := *in
	s.byID[in.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByListing(_ context.Context, kind listing.Kind, listingID string) ([]*Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Interest
	for _, in := range s.byID {
		if in.ListingKind == kind && in.ListingID == listingID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Interest
	for _, in := range s.byID {
		if in.UserID == userID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func sortOldestFirst(ins []*Interest) {
	sort.Slice(ins, func(i, j int) bool {
		return ins[i].CreatedAt.Before(ins[j].CreatedAt)
	})
}
