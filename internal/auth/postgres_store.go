package auth

import (
	"context"
	"database/sql"
	"time"
)

// PostgresTokenStore persists session tokens in PostgreSQL
type PostgresTokenStore struct {
	db *sql.DB
}

// NewPostgresTokenStore creates a new PostgreSQL-backed token store
func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

// Migrate creates the session_tokens table if it doesn't exist
func (p *PostgresTokenStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_tokens (
			hash       VARCHAR(64) PRIMARY KEY,
			user_id    VARCHAR(36) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_tokens_user ON session_tokens(user_id);
		CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens(expires_at);
	`)
	return err
}

func (p *PostgresTokenStore) Put(ctx context.Context, t *Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_tokens (hash, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, t.Hash, t.UserID, t.CreatedAt, t.ExpiresAt)
	return err
}

func (p *PostgresTokenStore) Get(ctx context.Context, hash string) (*Token, error) {
	t := &Token{}
	err := p.db.QueryRowContext(ctx, `
		SELECT hash, user_id, created_at, expires_at
		FROM session_tokens WHERE hash = $1
	`, hash).Scan(&t.Hash, &t.UserID, &t.CreatedAt, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresTokenStore) Delete(ctx context.Context, hash string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE hash = $1`, hash)
	return err
}

func (p *PostgresTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
