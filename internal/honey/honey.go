// Package honey tracks per-user time-banking balances.
//
// Flow:
//  1. A user's balance is created lazily with a starting grant
//  2. Creating a handshake provisions honey on the spender's balance
//  3. Completion finalizes the spend and credits the earner
//  4. Cancellation releases the provision, leaving totals untouched
//
// One honey unit equals one hour of service.
package honey

import (
	"context"
	"errors"
	"time"

	"github.com/thehive/hive/internal/syncutil"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient usable honey")
	ErrInvariantViolation = errors.New("amount exceeds provisioned honey")
	ErrInvalidAmount      = errors.New("invalid honey amount")
	ErrBalanceNotFound    = errors.New("honey balance not found")
)

// DefaultStartingGrant is credited when a balance is first created.
const DefaultStartingGrant = 3

// Balance is one user's honey position. Provisioned honey is reserved
// against active handshakes and counts toward Total until finalized.
type Balance struct {
	UserID      string    `json:"user_id"`
	Total       int64     `json:"total_honey"`
	Provisioned int64     `json:"provisioned_honey"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Usable returns the honey not currently reserved for a handshake.
func (b *Balance) Usable() int64 {
	return b.Total - b.Provisioned
}

// Entry records one balance mutation for audit history.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Op        string    `json:"op"` // grant, provision, release, finalize, credit, debit
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"` // handshake ID, "registration", etc.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists honey balances. Get creates a balance with the starting
// grant when the user has none yet. Mutating operations are atomic per
// balance and keep 0 <= provisioned <= total.
type Store interface {
	Get(ctx context.Context, userID string) (*Balance, error)
	Provision(ctx context.Context, userID string, amount int64, reference string) error
	ReleaseProvision(ctx context.Context, userID string, amount int64, reference string) error
	AddHoney(ctx context.Context, userID string, amount int64, reference string) error
	DeductHoney(ctx context.Context, userID string, amount int64, reference string) error
	Finalize(ctx context.Context, userID string, amount int64, reference string) error
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
	SumOutstanding(ctx context.Context) (total int64, provisioned int64, err error)
}

// Ledger manages honey balances. Mutations for one user are serialized
// through a sharded lock so two concurrent provisions cannot both pass the
// affordability check when only one can be covered.
type Ledger struct {
	store Store
	locks *syncutil.ContextShardedMutex
}

// New creates a new honey ledger.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
	}
}

// GetBalance returns the user's balance, creating it with the starting
// grant on first access.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.Get(ctx, userID)
}

// CanAfford reports whether the user's usable honey covers amount.
func (l *Ledger) CanAfford(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	bal, err := l.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.Usable() >= amount, nil
}

// Provision reserves amount against the user's usable honey.
func (l *Ledger) Provision(ctx context.Context, userID string, amount int64, reference string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	unlock, err := l.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	defer observeOp("provision")()

	return l.store.Provision(ctx, userID, amount, reference)
}

// ReleaseProvision returns a reservation to the usable pool without
// moving any honey.
func (l *Ledger) ReleaseProvision(ctx context.Context, userID string, amount int64, reference string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	unlock, err := l.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	defer observeOp("release")()

	return l.store.ReleaseProvision(ctx, userID, amount, reference)
}

// AddHoney credits the user's total.
func (l *Ledger) AddHoney(ctx context.Context, userID string, amount int64, reference string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	unlock, err := l.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	defer observeOp("credit")()

	return l.store.AddHoney(ctx, userID, amount, reference)
}

// DeductHoney debits the user's total directly. Not used on the
// provisioned-transfer path; handshakes settle via Finalize.
func (l *Ledger) DeductHoney(ctx context.Context, userID string, amount int64, reference string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	unlock, err := l.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	defer observeOp("debit")()

	return l.store.DeductHoney(ctx, userID, amount, reference)
}

// Finalize consumes a provisioned amount: total and provisioned both drop
// by amount. This is how spent honey leaves circulation on the spender's
// side.
func (l *Ledger) Finalize(ctx context.Context, userID string, amount int64, reference string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	unlock, err := l.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	defer observeOp("finalize")()

	return l.store.Finalize(ctx, userID, amount, reference)
}

// Settle moves amount from the spender to the earner: finalize the
// spender's provision, then credit the earner. The credit is not attempted
// if the finalize fails. A credit failure after a successful finalize
// leaves the entry trail for the reconciliation sweep to repair.
func (l *Ledger) Settle(ctx context.Context, spenderID, earnerID string, amount int64, reference string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if err := l.Finalize(ctx, spenderID, amount, reference); err != nil {
		return err
	}
	return l.AddHoney(ctx, earnerID, amount, reference)
}

// SumOutstanding reports the ledger-wide total and provisioned sums.
// Used by the reconciliation sweep to check the provisioning invariant.
func (l *Ledger) SumOutstanding(ctx context.Context) (int64, int64, error) {
	return l.store.SumOutstanding(ctx)
}

// GetHistory returns recent ledger entries for a user, newest first.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, userID, limit)
}
