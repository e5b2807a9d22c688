package listing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing // keyed by kind+":"+id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func key(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func (s *MemoryStore) Create(_ context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.listings[key(l.Kind, l.ID)] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[key(kind, id)]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[key(l.Kind, l.ID)]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	s.listings[key(l.Kind, l.ID)] = &cp
	return nil
}

func (s *MemoryStore) ListByKind(_ context.Context, kind Kind, status string, limit int, opts ...ListOption) ([]*Listing, error) {
	o := applyListOpts(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listing
	for _, l := range s.listings {
		if l.Kind != kind {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		if c := o.cursor; c != nil {
			// Keep only rows strictly older than the cursor position.
			if l.CreatedAt.After(c.CreatedAt) || (l.CreatedAt.Equal(c.CreatedAt) && l.ID >= c.ID) {
				continue
			}
		}
		cp := *l
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listing
	for _, l := range s.listings {
		if l.UserID != userID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listing
	for _, l := range s.listings {
		if l.ExpiresAt == nil || !l.ExpiresAt.Before(before) {
			continue
		}
		if l.Status != OfferActive && l.Status != NeedOpen {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortNewestFirst(ls []*Listing) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].ID > ls[j].ID
		}
		return ls[i].CreatedAt.After(ls[j].CreatedAt)
	})
}
