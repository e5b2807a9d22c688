// Package handshake manages the agreement lifecycle between a listing
// creator and an interested member.
//
// A handshake is created by the interested party against their
// interest, approved by the creator, then completed or cancelled.
// Honey for the listing's duration is provisioned from the spender at
// creation and settled or released when the handshake reaches a
// terminal status. Ledger failures at settlement time are logged and
// recorded for reconciliation; they never roll back the status change.
package handshake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thehive/hive/internal/idgen"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
	"github.com/thehive/hive/internal/metrics"
	"github.com/thehive/hive/internal/traces"

	"go.opentelemetry.io/otel/codes"
)

var (
	ErrHandshakeNotFound = errors.New("handshake not found")
	ErrAlreadyExists     = errors.New("handshake already exists for this interest")
	ErrInvalidState      = errors.New("handshake is not in a valid state for this action")
	ErrNotParticipant    = errors.New("not a participant in this handshake")
	ErrNotCreator        = errors.New("only the listing creator may approve")
	ErrCreatorInitiated  = errors.New("listing creator cannot initiate a handshake")
)

// Handshake statuses. Completed and cancelled are terminal.
const (
	StatusActive     = "active"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Ref ties a handshake to the interest it grew out of. The listing
// kind decides which side spends honey.
type Ref struct {
	Kind       listing.Kind `json:"kind"`
	InterestID string       `json:"interest_id"`
}

// Handshake is one agreement. User1 is the listing creator, User2 the
// interested party.
type Handshake struct {
	ID          string     `json:"id"`
	Ref         Ref        `json:"ref"`
	ListingID   string     `json:"listing_id"`
	User1       string     `json:"user1_id"`
	User2       string     `json:"user2_id"`
	Status      string     `json:"status"`
	HoneyAmount int64      `json:"honey_amount"`
	Notes       string     `json:"notes,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the handshake has finished.
func (h *Handshake) Terminal() bool {
	return h.Status == StatusCompleted || h.Status == StatusCancelled
}

// Spender returns the user whose honey backs this handshake: the
// interested party for an offer, the creator for a need.
func (h *Handshake) Spender() string {
	if h.Ref.Kind == listing.KindNeed {
		return h.User1
	}
	return h.User2
}

// Earner returns the user paid at completion.
func (h *Handshake) Earner() string {
	if h.Ref.Kind == listing.KindNeed {
		return h.User2
	}
	return h.User1
}

// IsParticipant reports whether userID is one of the two parties.
func (h *Handshake) IsParticipant(userID string) bool {
	return userID == h.User1 || userID == h.User2
}

// Store persists handshakes. Create must fail with ErrAlreadyExists
// when a handshake for the same interest already exists.
type Store interface {
	Create(ctx context.Context, h *Handshake) error
	Get(ctx context.Context, id string) (*Handshake, error)
	GetByInterest(ctx context.Context, interestID string) (*Handshake, error)
	Update(ctx context.Context, h *Handshake) error
	ListByUser(ctx context.Context, userID string) ([]*Handshake, error)
}

// LedgerService is the slice of the honey ledger handshakes use.
type LedgerService interface {
	Provision(ctx context.Context, userID string, amount int64, reference string) error
	ReleaseProvision(ctx context.Context, userID string, amount int64, reference string) error
	Settle(ctx context.Context, spenderID, earnerID string, amount int64, reference string) error
}

// SettlementRecorder records settlements that failed at the ledger so
// a background job can retry them.
type SettlementRecorder interface {
	RecordFailed(ctx context.Context, handshakeID, spenderID, earnerID string, amount int64, op string, cause error)
}

// InterestService is the slice of the interest service handshakes use.
type InterestService interface {
	Get(ctx context.Context, id string) (*interest.Interest, error)
	ListByListing(ctx context.Context, kind listing.Kind, listingID, callerID string) ([]*interest.Interest, error)
}

// ListingService is the slice of the listing service handshakes use.
type ListingService interface {
	Get(ctx context.Context, kind listing.Kind, id string) (*listing.Listing, error)
}

// Service implements the handshake state machine.
type Service struct {
	store     Store
	ledger    LedgerService
	interests InterestService
	listings  ListingService
	recorder  SettlementRecorder
	logger    *slog.Logger

	locks sync.Map // handshake ID -> *sync.Mutex
}

// NewService creates a handshake service. recorder may be nil; failed
// settlements are then only logged.
func NewService(store Store, ledger LedgerService, interests InterestService, listings ListingService, recorder SettlementRecorder, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		interests: interests,
		listings:  listings,
		recorder:  recorder,
		logger:    logger,
	}
}

func (s *Service) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Create opens a handshake on an interest. Only the interested party
// may initiate; the spender's honey is provisioned immediately.
func (s *Service) Create(ctx context.Context, interestID, callerID, notes string) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "handshake.Create", traces.UserID(callerID))
	defer span.End()

	in, err := s.interests.Get(ctx, interestID)
	if err != nil {
		return nil, err
	}
	l, err := s.listings.Get(ctx, in.ListingKind, in.ListingID)
	if err != nil {
		return nil, err
	}
	if callerID == l.UserID {
		return nil, ErrCreatorInitiated
	}
	if callerID != in.UserID {
		return nil, ErrNotParticipant
	}
	if _, err := s.store.GetByInterest(ctx, interestID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrHandshakeNotFound) {
		return nil, err
	}

	now := time.Now()
	h := &Handshake{
		ID:          idgen.WithPrefix("hs_"),
		Ref:         Ref{Kind: in.ListingKind, InterestID: interestID},
		ListingID:   in.ListingID,
		User1:       l.UserID,
		User2:       in.UserID,
		Status:      StatusActive,
		HoneyAmount: l.HoneyHours(),
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	span.SetAttributes(traces.HandshakeID(h.ID), traces.ListingID(h.ListingID), traces.Honey(h.HoneyAmount))

	if h.HoneyAmount > 0 {
		if err := s.ledger.Provision(ctx, h.Spender(), h.HoneyAmount, h.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "honey provision failed")
			return nil, err
		}
	}
	if err := s.store.Create(ctx, h); err != nil {
		// Undo the provision; a failure here leaves the reconciler to
		// catch the orphan.
		if h.HoneyAmount > 0 {
			if relErr := s.ledger.ReleaseProvision(ctx, h.Spender(), h.HoneyAmount, h.ID); relErr != nil {
				s.logger.Error("orphaned provision after failed handshake create",
					"handshake_id", h.ID, "error", relErr)
			}
		}
		return nil, err
	}
	metrics.HandshakesTotal.WithLabelValues(StatusActive).Inc()
	return h, nil
}

// Get fetches a handshake visible to one of its participants.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Handshake, error) {
	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	return h, nil
}

// GetByInterest fetches the handshake attached to an interest, if any.
func (s *Service) GetByInterest(ctx context.Context, interestID string) (*Handshake, error) {
	return s.store.GetByInterest(ctx, interestID)
}

// Approve moves an active handshake to in_progress. Creator only.
func (s *Service) Approve(ctx context.Context, id, callerID string) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "handshake.Approve",
		traces.HandshakeID(id), traces.UserID(callerID))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != h.User1 {
		return nil, ErrNotCreator
	}
	if h.Status != StatusActive {
		return nil, ErrInvalidState
	}

	now := time.Now()
	h.Status = StatusInProgress
	h.StartedAt = &now
	h.UpdatedAt = now
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}
	metrics.HandshakesTotal.WithLabelValues(StatusInProgress).Inc()
	return h, nil
}

// Complete finishes a handshake from any non-terminal state and
// settles honey from spender to earner. Approval is not required
// first. A ledger failure is recorded for reconciliation but does not
// undo the completion.
func (s *Service) Complete(ctx context.Context, id, callerID string) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "handshake.Complete",
		traces.HandshakeID(id), traces.UserID(callerID))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	if h.Terminal() {
		return nil, ErrInvalidState
	}

	now := time.Now()
	h.Status = StatusCompleted
	h.CompletedAt = &now
	h.UpdatedAt = now
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	if h.HoneyAmount > 0 {
		span.SetAttributes(traces.Honey(h.HoneyAmount))
		if err := s.ledger.Settle(ctx, h.Spender(), h.Earner(), h.HoneyAmount, h.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "honey settlement failed")
			s.logger.Error("honey settlement failed",
				"handshake_id", h.ID, "spender", h.Spender(), "earner", h.Earner(),
				"amount", h.HoneyAmount, "error", err)
			if s.recorder != nil {
				s.recorder.RecordFailed(ctx, h.ID, h.Spender(), h.Earner(), h.HoneyAmount, "settle", err)
			}
		}
	}

	metrics.HandshakesTotal.WithLabelValues(StatusCompleted).Inc()
	if h.StartedAt != nil {
		metrics.HandshakeDuration.Observe(now.Sub(*h.StartedAt).Seconds())
	}
	return h, nil
}

// Cancel ends a handshake before completion and releases the spender's
// provisioned honey. Either participant may cancel.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Handshake, error) {
	ctx, span := traces.StartSpan(ctx, "handshake.Cancel",
		traces.HandshakeID(id), traces.UserID(callerID))
	defer span.End()

	unlock := s.lock(id)
	defer unlock()

	h, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}
	if h.Terminal() {
		return nil, ErrInvalidState
	}

	now := time.Now()
	h.Status = StatusCancelled
	h.UpdatedAt = now
	if err := s.store.Update(ctx, h); err != nil {
		return nil, err
	}

	if h.HoneyAmount > 0 {
		span.SetAttributes(traces.Honey(h.HoneyAmount))
		if err := s.ledger.ReleaseProvision(ctx, h.Spender(), h.HoneyAmount, h.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "honey release failed")
			s.logger.Error("honey release failed",
				"handshake_id", h.ID, "spender", h.Spender(),
				"amount", h.HoneyAmount, "error", err)
			if s.recorder != nil {
				s.recorder.RecordFailed(ctx, h.ID, h.Spender(), h.Earner(), h.HoneyAmount, "release", err)
			}
		}
	}

	metrics.HandshakesTotal.WithLabelValues(StatusCancelled).Inc()
	return h, nil
}

// ListByUser returns all handshakes a user participates in.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Handshake, error) {
	return s.store.ListByUser(ctx, userID)
}
