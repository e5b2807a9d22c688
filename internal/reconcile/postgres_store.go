package reconcile

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists pending settlements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed pending settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the pending_settlements table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_settlements (
			id VARCHAR(36) PRIMARY KEY,
			handshake_id VARCHAR(36) NOT NULL,
			spender_id VARCHAR(36) NOT NULL,
			earner_id VARCHAR(36) NOT NULL,
			amount BIGINT NOT NULL,
			op VARCHAR(10) NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate pending_settlements: %w", err)
	}
	return nil
}

const settlementCols = `id, handshake_id, spender_id, earner_id, amount, op, last_error, attempts, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *PendingSettlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_settlements (`+settlementCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.HandshakeID, p.SpenderID, p.EarnerID, p.Amount, p.Op,
		p.LastError, p.Attempts, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*PendingSettlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementCols+` FROM pending_settlements
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	defer rows.Close()

	var out []*PendingSettlement
	for rows.Next() {
		var p PendingSettlement
		if err := rows.Scan(
			&p.ID, &p.HandshakeID, &p.SpenderID, &p.EarnerID, &p.Amount,
			&p.Op, &p.LastError, &p.Attempts, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending settlement: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, p *PendingSettlement) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_settlements
		SET last_error = $2, attempts = $3, updated_at = $4
		WHERE id = $1`,
		p.ID, p.LastError, p.Attempts, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update pending settlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pending settlement rows: %w", err)
	}
	if rows == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_settlements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pending settlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete pending settlement rows: %w", err)
	}
	if rows == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_settlements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending settlements: %w", err)
	}
	return n, nil
}
