package handshake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists handshakes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed handshake store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the handshakes table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS handshakes (
			id VARCHAR(36) PRIMARY KEY,
			listing_kind VARCHAR(10) NOT NULL,
			interest_id VARCHAR(36) NOT NULL UNIQUE,
			listing_id VARCHAR(36) NOT NULL,
			user1_id VARCHAR(36) NOT NULL,
			user2_id VARCHAR(36) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			honey_amount BIGINT NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_honey_nonneg CHECK (honey_amount >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_handshakes_user1 ON handshakes(user1_id);
		CREATE INDEX IF NOT EXISTS idx_handshakes_user2 ON handshakes(user2_id);
		CREATE INDEX IF NOT EXISTS idx_handshakes_status ON handshakes(status);
	`)
	if err != nil {
		return fmt.Errorf("migrate handshakes: %w", err)
	}
	return nil
}

const handshakeCols = `id, listing_kind, interest_id, listing_id, user1_id, user2_id, status, honey_amount, notes, started_at, completed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, h *Handshake) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handshakes (`+handshakeCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		h.ID, h.Ref.Kind, h.Ref.InterestID, h.ListingID, h.User1, h.User2,
		h.Status, h.HoneyAmount, h.Notes, h.StartedAt, h.CompletedAt,
		h.CreatedAt, h.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert handshake: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Handshake, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+handshakeCols+` FROM handshakes WHERE id = $1`, id)
	return scanHandshake(row)
}

func (s *PostgresStore) GetByInterest(ctx context.Context, interestID string) (*Handshake, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+handshakeCols+` FROM handshakes WHERE interest_id = $1`, interestID)
	return scanHandshake(row)
}

func (s *PostgresStore) Update(ctx context.Context, h *Handshake) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handshakes
		SET status = $2, notes = $3, started_at = $4, completed_at = $5, updated_at = $6
		WHERE id = $1`,
		h.ID, h.Status, h.Notes, h.StartedAt, h.CompletedAt, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update handshake: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update handshake rows: %w", err)
	}
	if rows == 0 {
		return ErrHandshakeNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Handshake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+handshakeCols+` FROM handshakes
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list handshakes: %w", err)
	}
	defer rows.Close()

	var out []*Handshake
	for rows.Next() {
		h, err := scanHandshake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandshake(row rowScanner) (*Handshake, error) {
	var h Handshake
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&h.ID, &h.Ref.Kind, &h.Ref.InterestID, &h.ListingID, &h.User1, &h.User2,
		&h.Status, &h.HoneyAmount, &h.Notes, &startedAt, &completedAt,
		&h.CreatedAt, &h.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandshakeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan handshake: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		h.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		h.CompletedAt = &t
	}
	return &h, nil
}
