package honey

import (
	"context"
	"sync"
	"time"

	"github.com/thehive/hive/internal/idgen"
)

// MemoryStore is an in-memory honey store for demo/development mode.
type MemoryStore struct {
	startingGrant int64
	balances      map[string]*Balance
	entries       []*Entry
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory honey store.
func NewMemoryStore(startingGrant int64) *MemoryStore {
	if startingGrant < 0 {
		startingGrant = 0
	}
	return &MemoryStore{
		startingGrant: startingGrant,
		balances:      make(map[string]*Balance),
		entries:       make([]*Entry, 0),
	}
}

// getOrCreate returns the balance for userID, creating it with the
// starting grant. Callers must hold the write lock.
func (m *MemoryStore) getOrCreate(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{
			UserID:    userID,
			Total:     m.startingGrant,
			UpdatedAt: time.Now(),
		}
		m.balances[userID] = bal
		m.record(userID, "grant", m.startingGrant, "registration")
	}
	return bal
}

// record appends an entry. Callers must hold the write lock.
func (m *MemoryStore) record(userID, op string, amount int64, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		UserID:    userID,
		Op:        op,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Provision(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	if bal.Usable() < amount {
		return ErrInsufficientFunds
	}

	bal.Provisioned += amount
	bal.UpdatedAt = time.Now()
	m.record(userID, "provision", amount, reference)
	return nil
}

func (m *MemoryStore) ReleaseProvision(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	if amount > bal.Provisioned {
		return ErrInvariantViolation
	}

	bal.Provisioned -= amount
	bal.UpdatedAt = time.Now()
	m.record(userID, "release", amount, reference)
	return nil
}

func (m *MemoryStore) AddHoney(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	bal.Total += amount
	bal.UpdatedAt = time.Now()
	m.record(userID, "credit", amount, reference)
	return nil
}

func (m *MemoryStore) DeductHoney(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	// Provisioned honey is spoken for; only usable honey may be spent.
	if amount > bal.Usable() {
		return ErrInsufficientFunds
	}

	bal.Total -= amount
	bal.UpdatedAt = time.Now()
	m.record(userID, "debit", amount, reference)
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(userID)
	if amount > bal.Provisioned {
		return ErrInvariantViolation
	}

	bal.Total -= amount
	bal.Provisioned -= amount
	bal.UpdatedAt = time.Now()
	m.record(userID, "finalize", amount, reference)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) SumOutstanding(ctx context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total, provisioned int64
	for _, bal := range m.balances {
		total += bal.Total
		provisioned += bal.Provisioned
	}
	return total, provisioned, nil
}
