// Package listing manages Offers and Needs posted to the community board.
//
// An Offer is a service a member gives; a Need is help they request. Both
// carry a free-text duration ("2 Hours", "30 Minutes") that prices the
// eventual handshake in honey. Listings past their expiry are lazily
// moved to their terminal status on the next read or write.
package listing

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/thehive/hive/internal/idgen"
	"github.com/thehive/hive/internal/metrics"
	"github.com/thehive/hive/internal/pagination"
	"github.com/thehive/hive/internal/validation"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrNotOwner        = errors.New("not the listing owner")
	ErrInvalidKind     = errors.New("invalid listing kind")
	ErrInvalidStatus   = errors.New("invalid status for this listing kind")
)

// Kind distinguishes the two listing variants.
type Kind string

const (
	KindOffer Kind = "offer"
	KindNeed  Kind = "need"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindOffer || k == KindNeed
}

// Offer statuses.
const (
	OfferActive    = "active"
	OfferFulfilled = "fulfilled"
	OfferPaused    = "paused"
	OfferExpired   = "expired"
)

// Need statuses.
const (
	NeedOpen       = "open"
	NeedInProgress = "in_progress"
	NeedFulfilled  = "fulfilled"
	NeedClosed     = "closed"
)

var offerStatuses = map[string]bool{
	OfferActive: true, OfferFulfilled: true, OfferPaused: true, OfferExpired: true,
}

var needStatuses = map[string]bool{
	NeedOpen: true, NeedInProgress: true, NeedFulfilled: true, NeedClosed: true,
}

// Listing is one Offer or Need. UserID is the creator.
type Listing struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location,omitempty"`
	Status      string     `json:"status"`
	Duration    string     `json:"duration,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Frequency   string     `json:"frequency,omitempty"`
	Reciprocal  bool       `json:"is_reciprocal,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// DefaultStatus returns the initial status for a kind.
func DefaultStatus(kind Kind) string {
	if kind == KindNeed {
		return NeedOpen
	}
	return OfferActive
}

// ExpiredStatus returns the terminal status an expired listing lands in.
func ExpiredStatus(kind Kind) string {
	if kind == KindNeed {
		return NeedClosed
	}
	return OfferExpired
}

// IsExpired reports whether the listing is past its expiry time.
func (l *Listing) IsExpired() bool {
	return l.ExpiresAt != nil && time.Now().After(*l.ExpiresAt)
}

// applyExpiry lazily moves an expired listing out of its open state.
// Returns true when the status changed.
func (l *Listing) applyExpiry() bool {
	if !l.IsExpired() {
		return false
	}
	if (l.Kind == KindOffer && l.Status == OfferActive) ||
		(l.Kind == KindNeed && l.Status == NeedOpen) {
		l.Status = ExpiredStatus(l.Kind)
		return true
	}
	return false
}

// HoneyHours returns the listing's duration parsed as integer hours.
func (l *Listing) HoneyHours() int64 {
	return ParseDurationHours(l.Duration)
}

// ParseDurationHours extracts the first numeric token from a free-text
// duration and converts it to whole hours, rounding half up. Tokens in a
// minutes context ("30 Minutes") are divided by 60 first. A string with
// no numeric token parses to 0.
func ParseDurationHours(s string) int64 {
	fields := strings.Fields(s)
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSuffix(f, ","), 64)
		if err != nil || v < 0 {
			continue
		}
		if strings.Contains(strings.ToLower(s), "min") {
			v /= 60
		}
		return int64(math.Floor(v + 0.5))
	}
	return 0
}

func idPrefix(kind Kind) string {
	if kind == KindNeed {
		return "need_"
	}
	return "off_"
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to listings older than the cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, kind Kind, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	ListByKind(ctx context.Context, kind Kind, status string, limit int, opts ...ListOption) ([]*Listing, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Listing, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Listing, error)
}

// CreateRequest carries the parameters for posting a listing.
type CreateRequest struct {
	Kind        Kind       `json:"kind"`
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description" binding:"required"`
	Location    string     `json:"location"`
	Duration    string     `json:"duration"`
	Tags        []string   `json:"tags"`
	Frequency   string     `json:"frequency"`
	Reciprocal  bool       `json:"is_reciprocal"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// Service implements listing business logic.
type Service struct {
	store Store
}

// NewService creates a new listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create validates and stores a new listing.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Listing, error) {
	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MinLength("title", req.Title, validation.MinTitleLength),
		validation.Required("description", req.Description),
		validation.MinLength("description", req.Description, validation.MinDescriptionLength),
	); len(errs) > 0 {
		return nil, errs
	}

	now := time.Now()
	l := &Listing{
		ID:          idgen.WithPrefix(idPrefix(req.Kind)),
		Kind:        req.Kind,
		UserID:      userID,
		Title:       validation.SanitizeString(req.Title, 200),
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		Location:    validation.SanitizeString(req.Location, 100),
		Status:      DefaultStatus(req.Kind),
		Duration:    validation.SanitizeString(req.Duration, 50),
		Tags:        req.Tags,
		Frequency:   req.Frequency,
		Reciprocal:  req.Reciprocal,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	metrics.ListingsTotal.WithLabelValues(string(req.Kind)).Inc()
	return l, nil
}

// Get fetches a listing, lazily applying the expiry transition.
func (s *Service) Get(ctx context.Context, kind Kind, id string) (*Listing, error) {
	l, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if l.applyExpiry() {
		l.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// UpdateRequest carries the editable listing fields. Nil pointers leave
// the field untouched.
type UpdateRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Location    *string  `json:"location"`
	Duration    *string  `json:"duration"`
	Tags        []string `json:"tags"`
	Frequency   *string  `json:"frequency"`
}

// Update edits a listing's content fields. Only the owner may call.
// Expiry is applied first, so an edit cannot resurrect a lapsed listing.
func (s *Service) Update(ctx context.Context, kind Kind, id, userID string, req UpdateRequest) (*Listing, error) {
	l, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if l.UserID != userID {
		return nil, ErrNotOwner
	}

	if req.Title != nil {
		l.Title = validation.SanitizeString(*req.Title, 200)
	}
	if req.Description != nil {
		l.Description = validation.SanitizeString(*req.Description, validation.MaxStringLength)
	}
	if errs := validation.Validate(
		validation.Required("title", l.Title),
		validation.MinLength("title", l.Title, validation.MinTitleLength),
		validation.Required("description", l.Description),
		validation.MinLength("description", l.Description, validation.MinDescriptionLength),
	); len(errs) > 0 {
		return nil, errs
	}
	if req.Location != nil {
		l.Location = validation.SanitizeString(*req.Location, 100)
	}
	if req.Duration != nil {
		l.Duration = validation.SanitizeString(*req.Duration, 50)
	}
	if req.Tags != nil {
		tags := make([]string, 0, len(req.Tags))
		for _, t := range req.Tags {
			if t = validation.SanitizeString(t, 50); t != "" {
				tags = append(tags, t)
			}
		}
		l.Tags = tags
	}
	if req.Frequency != nil {
		l.Frequency = validation.SanitizeString(*req.Frequency, 50)
	}

	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// SetStatus updates a listing's status. Only the owner may call.
func (s *Service) SetStatus(ctx context.Context, kind Kind, id, userID, status string) (*Listing, error) {
	l, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if l.UserID != userID {
		return nil, ErrNotOwner
	}
	valid := offerStatuses
	if kind == KindNeed {
		valid = needStatuses
	}
	if !valid[status] {
		return nil, ErrInvalidStatus
	}

	l.Status = status
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// List returns listings of a kind, optionally filtered by status.
func (s *Service) List(ctx context.Context, kind Kind, status string, limit int, opts ...ListOption) ([]*Listing, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByKind(ctx, kind, status, limit, opts...)
}

// ListByUser returns all of a user's listings.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ExpireDue writes the expiry transition for listings past their expiry
// time. Called by the sweep timer; the lazy path in Get covers reads
// between sweeps.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListExpired(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range due {
		if !l.applyExpiry() {
			continue
		}
		l.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, l); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
