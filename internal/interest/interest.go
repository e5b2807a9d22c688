// Package interest tracks who has raised a hand on a listing.
//
// An interest ties one user to one listing; the pair is unique. Chat
// creates interests lazily, so GetOrCreate is the primary entry point.
// Status changes carry no side effects of their own; handshakes and
// honey are handled downstream.
package interest

import (
	"context"
	"errors"
	"time"

	"github.com/thehive/hive/internal/idgen"
	"github.com/thehive/hive/internal/listing"
	"github.com/thehive/hive/internal/validation"
)

var (
	ErrInterestNotFound  = errors.New("interest not found")
	ErrDuplicateInterest = errors.New("interest already expressed")
	ErrOwnListing        = errors.New("cannot express interest in own listing")
	ErrInvalidStatus     = errors.New("invalid interest status")
)

// Interest statuses.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusDeclined  = "declined"
	StatusWithdrawn = "withdrawn"
)

var validStatuses = map[string]bool{
	StatusPending: true, StatusAccepted: true, StatusDeclined: true, StatusWithdrawn: true,
}

// Interest records one user's interest in one listing.
type Interest struct {
	ID          string       `json:"id"`
	ListingKind listing.Kind `json:"listing_kind"`
	ListingID   string       `json:"listing_id"`
	UserID      string       `json:"user_id"`
	Status      string       `json:"status"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Store persists interests. Create must fail with ErrDuplicateInterest
// when the (kind, listing, user) triple already exists.
type Store interface {
	Create(ctx context.Context, in *Interest) error
	Get(ctx context.Context, id string) (*Interest, error)
	GetByListingUser(ctx context.Context, kind listing.Kind, listingID, userID string) (*Interest, error)
	Update(ctx context.Context, in *Interest) error
	ListByListing(ctx context.Context, kind listing.Kind, listingID string) ([]*Interest, error)
	ListByUser(ctx context.Context, userID string) ([]*Interest, error)
}

// ListingService is the slice of the listing service interests need.
type ListingService interface {
	Get(ctx context.Context, kind listing.Kind, id string) (*listing.Listing, error)
}

// Service implements interest business logic.
type Service struct {
	store    Store
	listings ListingService
}

// NewService creates an interest service.
func NewService(store Store, listings ListingService) *Service {
	return &Service{store: store, listings: listings}
}

// Express records a new interest in a listing. The listing must exist
// and must not belong to the caller.
func (s *Service) Express(ctx context.Context, kind listing.Kind, listingID, userID, message string) (*Interest, error) {
	l, err := s.listings.Get(ctx, kind, listingID)
	if err != nil {
		return nil, err
	}
	if l.UserID == userID {
		return nil, ErrOwnListing
	}

	now := time.Now()
	in := &Interest{
		ID:          idgen.WithPrefix("int_"),
		ListingKind: kind,
		ListingID:   listingID,
		UserID:      userID,
		Status:      StatusPending,
		Message:     validation.SanitizeString(message, validation.MaxStringLength),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// GetOrCreate returns the caller's interest in a listing, creating a
// pending one if none exists. Used by chat, which opens a conversation
// before any explicit expression of interest.
func (s *Service) GetOrCreate(ctx context.Context, kind listing.Kind, listingID, userID string) (*Interest, bool, error) {
	in, err := s.store.GetByListingUser(ctx, kind, listingID, userID)
	if err == nil {
		return in, false, nil
	}
	if !errors.Is(err, ErrInterestNotFound) {
		return nil, false, err
	}

	in, err = s.Express(ctx, kind, listingID, userID, "")
	if errors.Is(err, ErrDuplicateInterest) {
		// Lost a race with a concurrent create; fetch the winner.
		in, err = s.store.GetByListingUser(ctx, kind, listingID, userID)
		return in, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return in, true, nil
}

// Get fetches an interest by id.
func (s *Service) Get(ctx context.Context, id string) (*Interest, error) {
	return s.store.Get(ctx, id)
}

// GetByListingUser fetches a user's interest in a listing, if any.
func (s *Service) GetByListingUser(ctx context.Context, kind listing.Kind, listingID, userID string) (*Interest, error) {
	return s.store.GetByListingUser(ctx, kind, listingID, userID)
}

// SetStatus moves an interest to a new status. Accept and decline are
// reserved for the listing owner; withdraw for the interest holder.
func (s *Service) SetStatus(ctx context.Context, id, callerID, status string) (*Interest, error) {
	if !validStatuses[status] {
		return nil, ErrInvalidStatus
	}
	in, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l, err := s.listings.Get(ctx, in.ListingKind, in.ListingID)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusAccepted, StatusDeclined:
		if callerID != l.UserID {
			return nil, listing.ErrNotOwner
		}
	case StatusWithdrawn:
		if callerID != in.UserID {
			return nil, listing.ErrNotOwner
		}
	}

	in.Status = status
	in.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// ListByListing returns all interests on a listing, for its owner.
func (s *Service) ListByListing(ctx context.Context, kind listing.Kind, listingID, callerID string) ([]*Interest, error) {
	l, err := s.listings.Get(ctx, kind, listingID)
	if err != nil {
		return nil, err
	}
	if l.UserID != callerID {
		return nil, listing.ErrNotOwner
	}
	return s.store.ListByListing(ctx, kind, listingID)
}

// ListByUser returns all interests held by a user.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Interest, error) {
	return s.store.ListByUser(ctx, userID)
}
