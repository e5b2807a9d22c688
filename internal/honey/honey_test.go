package honey

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore(DefaultStartingGrant))
}

func TestGetBalance_CreatesWithStartingGrant(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	bal, err := l.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Total != 3 {
		t.Errorf("Total = %d, want 3", bal.Total)
	}
	if bal.Provisioned != 0 {
		t.Errorf("Provisioned = %d, want 0", bal.Provisioned)
	}
	if bal.Usable() != 3 {
		t.Errorf("Usable = %d, want 3", bal.Usable())
	}
}

func TestCanAfford(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	ok, err := l.CanAfford(ctx, "alice", 3)
	if err != nil || !ok {
		t.Errorf("CanAfford(3) = %v, %v; want true, nil", ok, err)
	}

	ok, err = l.CanAfford(ctx, "alice", 4)
	if err != nil || ok {
		t.Errorf("CanAfford(4) = %v, %v; want false, nil", ok, err)
	}
}

func TestProvision(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Provision(ctx, "alice", 2, "hs_1"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Total != 3 || bal.Provisioned != 2 {
		t.Errorf("balance = {total:%d, provisioned:%d}, want {3, 2}", bal.Total, bal.Provisioned)
	}
	if bal.Usable() != 1 {
		t.Errorf("Usable = %d, want 1", bal.Usable())
	}
}

func TestProvision_InsufficientFunds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	err := l.Provision(ctx, "alice", 4, "hs_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance must be unmodified after a rejected provision
	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Total != 3 || bal.Provisioned != 0 {
		t.Errorf("balance modified by failed provision: {total:%d, provisioned:%d}", bal.Total, bal.Provisioned)
	}
}

func TestProvisionRelease_RoundTrip(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.Provision(ctx, "alice", 2, "hs_1"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := l.ReleaseProvision(ctx, "alice", 2, "hs_1"); err != nil {
		t.Fatalf("ReleaseProvision failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Total != 3 || bal.Provisioned != 0 {
		t.Errorf("round trip left {total:%d, provisioned:%d}, want {3, 0}", bal.Total, bal.Provisioned)
	}
}

func TestReleaseProvision_ExceedsProvisioned(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_ = l.Provision(ctx, "alice", 1, "hs_1")
	err := l.ReleaseProvision(ctx, "alice", 2, "hs_1")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestFinalize(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_ = l.Provision(ctx, "alice", 2, "hs_1")
	if err := l.Finalize(ctx, "alice", 2, "hs_1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Total != 1 || bal.Provisioned != 0 {
		t.Errorf("balance = {total:%d, provisioned:%d}, want {1, 0}", bal.Total, bal.Provisioned)
	}
}

func TestFinalize_ExceedsProvisioned(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	err := l.Finalize(ctx, "alice", 1, "hs_1")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestSettle(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// Spender reserves 2 of their 3 starting honey
	if err := l.Provision(ctx, "spender", 2, "hs_1"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := l.Settle(ctx, "spender", "earner", 2, "hs_1"); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	spender, _ := l.GetBalance(ctx, "spender")
	if spender.Total != 1 || spender.Provisioned != 0 {
		t.Errorf("spender = {total:%d, provisioned:%d}, want {1, 0}", spender.Total, spender.Provisioned)
	}

	earner, _ := l.GetBalance(ctx, "earner")
	if earner.Total != 5 { // 3 starting + 2 earned
		t.Errorf("earner total = %d, want 5", earner.Total)
	}
}

func TestSettle_FinalizeFailureSkipsCredit(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// Nothing provisioned, so finalize must fail and no credit happens
	err := l.Settle(ctx, "spender", "earner", 2, "hs_1")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}

	earner, _ := l.GetBalance(ctx, "earner")
	if earner.Total != 3 {
		t.Errorf("earner credited despite failed finalize: total = %d", earner.Total)
	}
}

func TestAddDeductHoney(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if err := l.AddHoney(ctx, "alice", 5, "bonus"); err != nil {
		t.Fatalf("AddHoney failed: %v", err)
	}
	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Total != 8 {
		t.Errorf("Total = %d, want 8", bal.Total)
	}

	if err := l.DeductHoney(ctx, "alice", 8, "penalty"); err != nil {
		t.Fatalf("DeductHoney failed: %v", err)
	}
	bal, _ = l.GetBalance(ctx, "alice")
	if bal.Total != 0 {
		t.Errorf("Total = %d, want 0", bal.Total)
	}

	if err := l.DeductHoney(ctx, "alice", 1, "penalty"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestDeductHoney_ProvisionedIsUntouchable(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// {total: 3, provisioned: 2} leaves 1 usable.
	if err := l.Provision(ctx, "alice", 2, "hs_1"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := l.DeductHoney(ctx, "alice", 3, "penalty"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := l.DeductHoney(ctx, "alice", 1, "penalty"); err != nil {
		t.Fatalf("DeductHoney failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Total != 2 || bal.Provisioned != 2 {
		t.Errorf("balance = {%d, %d}, want {2, 2}", bal.Total, bal.Provisioned)
	}
	if bal.Provisioned > bal.Total {
		t.Errorf("provisioned %d exceeds total %d", bal.Provisioned, bal.Total)
	}
}

func TestMutationsLazilyCreateBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// A fresh user's first op of any kind starts from the grant, never
	// from a missing-balance error.
	if err := l.ReleaseProvision(ctx, "bob", 1, "x"); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("release: expected ErrInvariantViolation, got %v", err)
	}
	if err := l.Finalize(ctx, "carol", 1, "x"); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("finalize: expected ErrInvariantViolation, got %v", err)
	}
	if err := l.DeductHoney(ctx, "dave", 1, "x"); err != nil {
		t.Errorf("deduct: %v", err)
	}
	bal, _ := l.GetBalance(ctx, "dave")
	if bal.Total != DefaultStartingGrant-1 {
		t.Errorf("Total = %d, want %d", bal.Total, DefaultStartingGrant-1)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for name, err := range map[string]error{
		"provision": l.Provision(ctx, "alice", -1, "x"),
		"release":   l.ReleaseProvision(ctx, "alice", -1, "x"),
		"credit":    l.AddHoney(ctx, "alice", -1, "x"),
		"debit":     l.DeductHoney(ctx, "alice", -1, "x"),
		"finalize":  l.Finalize(ctx, "alice", -1, "x"),
	} {
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", name, err)
		}
	}
}

func TestGetHistory(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_ = l.Provision(ctx, "alice", 2, "hs_1")
	_ = l.ReleaseProvision(ctx, "alice", 2, "hs_1")

	entries, err := l.GetHistory(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	// grant + provision + release, newest first
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Op != "release" || entries[2].Op != "grant" {
		t.Errorf("unexpected entry order: %s ... %s", entries[0].Op, entries[2].Op)
	}
}

func TestConcurrentProvision_NoOverdraw(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// Starting balance is 3; two concurrent provisions of 2 can't both fit.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Provision(ctx, "alice", 2, "race")
		}()
	}
	wg.Wait()
	close(results)

	var ok, failed int
	for err := range results {
		if err == nil {
			ok++
		} else if errors.Is(err, ErrInsufficientFunds) {
			failed++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("got %d successes and %d rejections, want 1 and 1", ok, failed)
	}

	bal, _ := l.GetBalance(ctx, "alice")
	if bal.Provisioned > bal.Total {
		t.Errorf("invariant broken: provisioned %d > total %d", bal.Provisioned, bal.Total)
	}
}
