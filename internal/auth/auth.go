// Package auth provides bearer-token authentication for the Hive API.
//
// Tokens are opaque random strings issued at login, stored hashed with a
// TTL, and resolved to a user id on each request or websocket connect.
// The token store is injected so the resolution path has no hidden global
// state.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/thehive/hive/internal/idgen"
)

var (
	ErrNoToken      = errors.New("authentication token required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// DefaultTTL is how long a token stays valid after issuance.
const DefaultTTL = 24 * time.Hour

// Token is a stored session token. The raw value is shown once at login;
// only its hash is persisted.
type Token struct {
	Hash      string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore persists session tokens keyed by hash.
type TokenStore interface {
	Put(ctx context.Context, t *Token) error
	Get(ctx context.Context, hash string) (*Token, error)
	Delete(ctx context.Context, hash string) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Manager issues and resolves session tokens.
type Manager struct {
	store TokenStore
	ttl   time.Duration
}

// NewManager creates a new auth manager.
func NewManager(store TokenStore, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// Issue creates a new session token for a user and returns the raw value.
func (m *Manager) Issue(ctx context.Context, userID string) (string, error) {
	raw := "tok_" + idgen.Hex(32)
	now := time.Now()
	t := &Token{
		Hash:      hashToken(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, t); err != nil {
		return "", err
	}
	return raw, nil
}

// Resolve maps a raw bearer token to a user id.
func (m *Manager) Resolve(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return "", ErrNoToken
	}

	t, err := m.store.Get(ctx, hashToken(raw))
	if err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().After(t.ExpiresAt) {
		_ = m.store.Delete(ctx, t.Hash)
		return "", ErrInvalidToken
	}
	return t.UserID, nil
}

// Revoke invalidates a raw token (logout).
func (m *Manager) Revoke(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return ErrNoToken
	}
	return m.store.Delete(ctx, hashToken(raw))
}

// Sweep deletes expired tokens. Called periodically by the server.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, time.Now())
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryTokenStore is an in-memory token store for demo/development mode.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewMemoryTokenStore creates a new in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Token)}
}

func (s *MemoryTokenStore) Put(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.Hash] = &cp
	return nil
}

func (s *MemoryTokenStore) Get(ctx context.Context, hash string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[hash]
	if !ok {
		return nil, ErrInvalidToken
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTokenStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, hash)
	return nil
}

func (s *MemoryTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, t := range s.tokens {
		if t.ExpiresAt.Before(before) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n, nil
}
