// Package reconcile keeps the honey ledger honest.
//
// Handshake transitions never roll back when the ledger is
// unreachable; instead the failed settlement is parked here and
// retried on a timer. The runner also sweeps the ledger-wide
// invariant: provisioned honey must never exceed honey in
// circulation.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/idgen"
	"github.com/thehive/hive/internal/metrics"
	"github.com/thehive/hive/internal/retry"
)

var ErrSettlementNotFound = errors.New("pending settlement not found")

// Settlement operations parked for retry.
const (
	OpSettle  = "settle"
	OpRelease = "release"
)

// maxAttempts before a settlement is left for manual intervention.
const maxAttempts = 10

// PendingSettlement is one ledger operation that failed and awaits
// retry.
type PendingSettlement struct {
	ID          string    `json:"id"`
	HandshakeID string    `json:"handshake_id"`
	SpenderID   string    `json:"spender_id"`
	EarnerID    string    `json:"earner_id"`
	Amount      int64     `json:"amount"`
	Op          string    `json:"op"`
	LastError   string    `json:"last_error"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists pending settlements.
type Store interface {
	Create(ctx context.Context, p *PendingSettlement) error
	List(ctx context.Context, limit int) ([]*PendingSettlement, error)
	Update(ctx context.Context, p *PendingSettlement) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// LedgerService is the slice of the honey ledger the runner retries
// against.
type LedgerService interface {
	Settle(ctx context.Context, spenderID, earnerID string, amount int64, reference string) error
	ReleaseProvision(ctx context.Context, userID string, amount int64, reference string) error
	SumOutstanding(ctx context.Context) (total, provisioned int64, err error)
}

// Runner records failed settlements and retries them.
type Runner struct {
	store  Store
	ledger LedgerService
	logger *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(store Store, ledger LedgerService, logger *slog.Logger) *Runner {
	return &Runner{store: store, ledger: ledger, logger: logger}
}

// RecordFailed parks a failed ledger operation for retry. Implements
// the handshake service's settlement recorder.
func (r *Runner) RecordFailed(ctx context.Context, handshakeID, spenderID, earnerID string, amount int64, op string, cause error) {
	now := time.Now()
	p := &PendingSettlement{
		ID:          idgen.WithPrefix("ps_"),
		HandshakeID: handshakeID,
		SpenderID:   spenderID,
		EarnerID:    earnerID,
		Amount:      amount,
		Op:          op,
		LastError:   cause.Error(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		r.logger.Error("failed to record pending settlement",
			"handshake_id", handshakeID, "error", err)
		return
	}
	r.logger.Warn("settlement parked for retry",
		"handshake_id", handshakeID, "op", op, "amount", amount, "cause", cause)
	r.refreshGauge(ctx)
}

// RunResult summarizes one reconciliation pass.
type RunResult struct {
	Retried     int   `json:"retried"`
	Resolved    int   `json:"resolved"`
	Stuck       int   `json:"stuck"`
	TotalHoney  int64 `json:"total_honey"`
	Provisioned int64 `json:"provisioned_honey"`
	InvariantOK bool  `json:"invariant_ok"`
}

// RunAll retries parked settlements and checks the ledger invariant.
func (r *Runner) RunAll(ctx context.Context) (*RunResult, error) {
	done := observeRun()
	defer done()

	res := &RunResult{InvariantOK: true}

	pending, err := r.store.List(ctx, 100)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	for _, p := range pending {
		res.Retried++
		if p.Attempts >= maxAttempts {
			res.Stuck++
			continue
		}
		if err := r.retry(ctx, p); err != nil {
			p.Attempts++
			p.LastError = err.Error()
			p.UpdatedAt = time.Now()
			if uerr := r.store.Update(ctx, p); uerr != nil {
				r.logger.Error("failed to update pending settlement", "id", p.ID, "error", uerr)
			}
			continue
		}
		if err := r.store.Delete(ctx, p.ID); err != nil {
			r.logger.Error("failed to delete resolved settlement", "id", p.ID, "error", err)
			continue
		}
		res.Resolved++
		r.logger.Info("parked settlement resolved",
			"handshake_id", p.HandshakeID, "op", p.Op, "amount", p.Amount)
	}

	total, provisioned, err := r.ledger.SumOutstanding(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return res, err
	}
	res.TotalHoney = total
	res.Provisioned = provisioned
	metrics.PendingSettlements.Set(float64(res.Retried - res.Resolved))
	honey.HoneyInCirculation.Set(float64(total))
	honey.HoneyProvisioned.Set(float64(provisioned))

	if provisioned < 0 || provisioned > total {
		res.InvariantOK = false
		invariantViolations.Inc()
		r.logger.Error("honey invariant violated",
			"total", total, "provisioned", provisioned)
	}
	return res, nil
}

// retry gives the ledger op a short burst of attempts with backoff before
// the settlement is parked again. Invalid-amount errors cannot heal, so
// they are not retried within the burst.
func (r *Runner) retry(ctx context.Context, p *PendingSettlement) error {
	return retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		switch p.Op {
		case OpRelease:
			err = r.ledger.ReleaseProvision(ctx, p.SpenderID, p.Amount, p.HandshakeID)
		default:
			err = r.ledger.Settle(ctx, p.SpenderID, p.EarnerID, p.Amount, p.HandshakeID)
		}
		if errors.Is(err, honey.ErrInvalidAmount) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *Runner) refreshGauge(ctx context.Context) {
	if n, err := r.store.Count(ctx); err == nil {
		metrics.PendingSettlements.Set(float64(n))
	}
}
