package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the profiles table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS profiles (
			user_id VARCHAR(36) PRIMARY KEY,
			bio VARCHAR(500) NOT NULL DEFAULT '',
			location VARCHAR(100) NOT NULL DEFAULT '',
			phone VARCHAR(20) NOT NULL DEFAULT '',
			image_url VARCHAR(500) NOT NULL DEFAULT '',
			reputation_score BIGINT NOT NULL DEFAULT 0,
			rank VARCHAR(10) NOT NULL DEFAULT 'newbee',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate profiles: %w", err)
	}
	return nil
}

const profileCols = `user_id, bio, location, phone, image_url, reputation_score, rank, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+profileCols+` FROM profiles WHERE user_id = $1`, userID)

	var p Profile
	err := row.Scan(
		&p.UserID, &p.Bio, &p.Location, &p.Phone, &p.ImageURL,
		&p.Reputation, &p.Rank, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (`+profileCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE
		SET bio = EXCLUDED.bio, location = EXCLUDED.location,
		    phone = EXCLUDED.phone, image_url = EXCLUDED.image_url,
		    rank = EXCLUDED.rank, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Bio, p.Location, p.Phone, p.ImageURL,
		p.Reputation, p.Rank, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddReputation(ctx context.Context, userID string, delta int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET reputation_score = reputation_score + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+profileCols,
		userID, delta,
	)

	var p Profile
	err := row.Scan(
		&p.UserID, &p.Bio, &p.Location, &p.Phone, &p.ImageURL,
		&p.Reputation, &p.Rank, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add reputation: %w", err)
	}
	return &p, nil
}
