package conversation

import (
	"context"
	"sort"
	"sync"
)

// MemoryMessageStore is an in-memory MessageStore for tests and
// development.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // keyed by conversation id
}

// NewMemoryMessageStore creates an empty in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]*Message)}
}

func (s *MemoryMessageStore) Create(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	return nil
}

func (s *MemoryMessageStore) List(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryMessageStore) Latest(_ context.Context, conversationID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	latest := msgs[0]
	for _, m := range msgs[1:] {
		if m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryMessageStore) CountUnread(_ context.Context, conversationID, recipientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.RecipientID == recipientID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *MemoryMessageStore) MarkRead(_ context.Context, conversationID, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.RecipientID == recipientID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}
