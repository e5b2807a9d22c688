package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the listings table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id VARCHAR(36) PRIMARY KEY,
			kind VARCHAR(10) NOT NULL,
			user_id VARCHAR(36) NOT NULL,
			title VARCHAR(200) NOT NULL,
			description TEXT NOT NULL,
			location VARCHAR(100) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			duration VARCHAR(50) NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			frequency VARCHAR(20) NOT NULL DEFAULT '',
			is_reciprocal BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ,
			CONSTRAINT chk_listing_kind CHECK (kind IN ('offer', 'need'))
		);
		CREATE INDEX IF NOT EXISTS idx_listings_kind_status ON listings(kind, status);
		CREATE INDEX IF NOT EXISTS idx_listings_user ON listings(user_id);
		CREATE INDEX IF NOT EXISTS idx_listings_expires ON listings(expires_at) WHERE expires_at IS NOT NULL;
	`)
	if err != nil {
		return fmt.Errorf("migrate listings: %w", err)
	}
	return nil
}

const listingCols = `id, kind, user_id, title, description, location, status, duration, tags, frequency, is_reciprocal, created_at, updated_at, expires_at`

func (s *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.Kind, l.UserID, l.Title, l.Description, l.Location, l.Status,
		l.Duration, pq.Array(l.Tags), l.Frequency, l.Reciprocal,
		l.CreatedAt, l.UpdatedAt, l.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (*Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+listingCols+` FROM listings WHERE kind = $1 AND id = $2`,
		kind, id,
	)
	return scanListing(row)
}

func (s *PostgresStore) Update(ctx context.Context, l *Listing) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET title = $3, description = $4, location = $5, status = $6,
		    duration = $7, tags = $8, frequency = $9, is_reciprocal = $10,
		    updated_at = $11, expires_at = $12
		WHERE kind = $1 AND id = $2`,
		l.Kind, l.ID, l.Title, l.Description, l.Location, l.Status,
		l.Duration, pq.Array(l.Tags), l.Frequency, l.Reciprocal,
		l.UpdatedAt, l.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update listing rows: %w", err)
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (s *PostgresStore) ListByKind(ctx context.Context, kind Kind, status string, limit int, opts ...ListOption) ([]*Listing, error) {
	o := applyListOpts(opts)
	query := `SELECT ` + listingCols + ` FROM listings WHERE kind = $1`
	args := []any{kind}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if o.cursor != nil {
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()
	return scanListings(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingCols+` FROM listings
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list user listings: %w", err)
	}
	defer rows.Close()
	return scanListings(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingCols+` FROM listings
		WHERE expires_at IS NOT NULL AND expires_at < $1
		  AND status IN ($2, $3)
		LIMIT $4`,
		before, OfferActive, NeedOpen, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired listings: %w", err)
	}
	defer rows.Close()
	return scanListings(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	var l Listing
	var tags pq.StringArray
	var expiresAt sql.NullTime
	err := row.Scan(
		&l.ID, &l.Kind, &l.UserID, &l.Title, &l.Description, &l.Location,
		&l.Status, &l.Duration, &tags, &l.Frequency, &l.Reciprocal,
		&l.CreatedAt, &l.UpdatedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	l.Tags = tags
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
