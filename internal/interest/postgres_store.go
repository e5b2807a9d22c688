package interest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/thehive/hive/internal/listing"
)

// PostgresStore persists interests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed interest store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the interests table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS interests (
			id VARCHAR(36) PRIMARY KEY,
			listing_kind VARCHAR(10) NOT NULL,
			listing_id VARCHAR(36) NOT NULL,
			user_id VARCHAR(36) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_interest_listing_user UNIQUE (listing_kind, listing_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_interests_listing ON interests(listing_kind, listing_id);
		CREATE INDEX IF NOT EXISTS idx_interests_user ON interests(user_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate interests: %w", err)
	}
	return nil
}

const interestCols = `id, listing_kind, listing_id, user_id, status, message, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, in *Interest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interests (`+interestCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.ListingKind, in.ListingID, in.UserID, in.Status, in.Message,
		in.CreatedAt, in.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateInterest
	}
	if err != nil {
		return fmt.Errorf("insert interest: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Interest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+interestCols+` FROM interests WHERE id = $1`, id)
	return scanInterest(row)
}

func (s *PostgresStore) GetByListingUser(ctx context.Context, kind listing.Kind, listingID, userID string) (*Interest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+interestCols+` FROM interests
		WHERE listing_kind = $1 AND listing_id = $2 AND user_id = $3`,
		kind, listingID, userID)
	return scanInterest(row)
}

func (s *PostgresStore) Update(ctx context.Context, in *Interest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interests SET status = $2, message = $3, updated_at = $4
		WHERE id = $1`,
		in.ID, in.Status, in.Message, in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update interest: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update interest rows: %w", err)
	}
	if rows == 0 {
		return ErrInterestNotFound
	}
	return nil
}

func (s *PostgresStore) ListByListing(ctx context.Context, kind listing.Kind, listingID string) ([]*Interest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interestCols+` FROM interests
		WHERE listing_kind = $1 AND listing_id = $2
		ORDER BY created_at ASC`,
		kind, listingID)
	if err != nil {
		return nil, fmt.Errorf("list interests: %w", err)
	}
	defer rows.Close()
	return scanInterests(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Interest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interestCols+` FROM interests
		WHERE user_id = $1 ORDER BY created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list user interests: %w", err)
	}
	defer rows.Close()
	return scanInterests(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterest(row rowScanner) (*Interest, error) {
	var in Interest
	err := row.Scan(
		&in.ID, &in.ListingKind, &in.ListingID, &in.UserID, &in.Status,
		&in.Message, &in.CreatedAt, &in.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInterestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan interest: %w", err)
	}
	return &in, nil
}

func scanInterests(rows *sql.Rows) ([]*Interest, error) {
	var out []*Interest
	for rows.Next() {
		in, err := scanInterest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
