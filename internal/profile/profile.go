// Package profile holds public member profiles and hive ranks.
//
// Profiles are created lazily with the newbee rank; reputation moves
// as handshakes complete and ranks follow reputation.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/thehive/hive/internal/validation"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidRank     = errors.New("invalid rank")
)

// Hive ranks, in ascending order of reputation.
const (
	RankNewbee = "newbee"
	RankWorker = "worker"
	RankDrone  = "drone"
	RankQueen  = "queen"
)

var validRanks = map[string]bool{
	RankNewbee: true, RankWorker: true, RankDrone: true, RankQueen: true,
}

// Field length limits.
const (
	MaxBioLength      = 500
	MaxLocationLength = 100
)

// Rank thresholds on reputation score.
const (
	workerThreshold = 10
	droneThreshold  = 50
	queenThreshold  = 150
)

// Profile is a member's public profile.
type Profile struct {
	UserID     string    `json:"user_id"`
	Bio        string    `json:"bio,omitempty"`
	Location   string    `json:"location,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	Reputation int64     `json:"reputation_score"`
	Rank       string    `json:"rank"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RankFor maps a reputation score to a rank.
func RankFor(reputation int64) string {
	switch {
	case reputation >= queenThreshold:
		return RankQueen
	case reputation >= droneThreshold:
		return RankDrone
	case reputation >= workerThreshold:
		return RankWorker
	default:
		return RankNewbee
	}
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
	AddReputation(ctx context.Context, userID string, delta int64) (*Profile, error)
}

// UpdateRequest carries the editable profile fields.
type UpdateRequest struct {
	Bio      *string `json:"bio"`
	Location *string `json:"location"`
	Phone    *string `json:"phone"`
	ImageURL *string `json:"image_url"`
}

// Service implements profile business logic.
type Service struct {
	store Store
}

// NewService creates a profile service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns a member's profile, creating an empty newbee profile on
// first access.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.store.Get(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	now := time.Now()
	p = &Profile{
		UserID:    userID,
		Rank:      RankNewbee,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Update applies the provided fields to the caller's profile. Nil
// fields are left untouched.
func (s *Service) Update(ctx context.Context, userID string, req UpdateRequest) (*Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if req.Bio != nil {
		p.Bio = validation.SanitizeString(*req.Bio, MaxBioLength)
	}
	if req.Location != nil {
		p.Location = validation.SanitizeString(*req.Location, MaxLocationLength)
	}
	if req.Phone != nil {
		p.Phone = validation.SanitizeString(*req.Phone, 20)
	}
	if req.ImageURL != nil {
		p.ImageURL = validation.SanitizeString(*req.ImageURL, 500)
	}

	p.UpdatedAt = time.Now()
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddReputation moves a member's reputation and recomputes their rank.
func (s *Service) AddReputation(ctx context.Context, userID string, delta int64) (*Profile, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}
	p, err := s.store.AddReputation(ctx, userID, delta)
	if err != nil {
		return nil, err
	}
	rank := RankFor(p.Reputation)
	if rank != p.Rank {
		p.Rank = rank
		p.UpdatedAt = time.Now()
		if err := s.store.Upsert(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}
