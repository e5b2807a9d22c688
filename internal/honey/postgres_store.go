package honey

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thehive/hive/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db            *sql.DB
	startingGrant int64
}

// NewPostgresStore creates a new PostgreSQL-backed honey store
func NewPostgresStore(db *sql.DB, startingGrant int64) *PostgresStore {
	if startingGrant < 0 {
		startingGrant = 0
	}
	return &PostgresStore{db: db, startingGrant: startingGrant}
}

// Migrate creates the honey tables. The CHECK constraints are the last
// line of defense for the 0 <= provisioned <= total invariant.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS honey_balances (
			user_id      VARCHAR(64) PRIMARY KEY,
			total        BIGINT NOT NULL DEFAULT 0,
			provisioned  BIGINT NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_total_nonneg       CHECK (total >= 0),
			CONSTRAINT chk_provisioned_nonneg CHECK (provisioned >= 0),
			CONSTRAINT chk_provisioned_capped CHECK (provisioned <= total)
		);

		CREATE TABLE IF NOT EXISTS honey_entries (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			op          VARCHAR(20) NOT NULL,
			amount      BIGINT NOT NULL,
			reference   VARCHAR(255),
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_honey_entries_user ON honey_entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_honey_entries_created ON honey_entries(created_at DESC);
	`)
	return err
}

// ensure inserts the balance row with the starting grant if absent.
func (p *PostgresStore) ensure(ctx context.Context, tx *sql.Tx, userID string) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO honey_balances (user_id, total, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, p.startingGrant)
	if err != nil {
		return fmt.Errorf("failed to ensure balance: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		if err := p.recordEntry(ctx, tx, userID, "grant", p.startingGrant, "registration"); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) recordEntry(ctx context.Context, tx *sql.Tx, userID, op string, amount int64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO honey_entries (id, user_id, op, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, idgen.New(), userID, op, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// Get retrieves a balance, creating it with the starting grant if absent.
func (p *PostgresStore) Get(ctx context.Context, userID string) (*Balance, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := p.ensure(ctx, tx, userID); err != nil {
		return nil, err
	}

	bal := &Balance{UserID: userID}
	err = tx.QueryRowContext(ctx, `
		SELECT total, provisioned, updated_at
		FROM honey_balances WHERE user_id = $1
	`, userID).Scan(&bal.Total, &bal.Provisioned, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bal, nil
}

// Provision reserves honey with an atomic guarded update. The WHERE clause
// carries the affordability check so concurrent provisions cannot both pass.
func (p *PostgresStore) Provision(ctx context.Context, userID string, amount int64, reference string) error {
	return p.guardedUpdate(ctx, userID, "provision", amount, reference, `
		UPDATE honey_balances SET
			provisioned = provisioned + $2,
			updated_at  = NOW()
		WHERE user_id = $1 AND total - provisioned >= $2
	`, ErrInsufficientFunds)
}

// ReleaseProvision returns reserved honey to the usable pool.
func (p *PostgresStore) ReleaseProvision(ctx context.Context, userID string, amount int64, reference string) error {
	return p.guardedUpdate(ctx, userID, "release", amount, reference, `
		UPDATE honey_balances SET
			provisioned = provisioned - $2,
			updated_at  = NOW()
		WHERE user_id = $1 AND provisioned >= $2
	`, ErrInvariantViolation)
}

// AddHoney credits a user's total.
func (p *PostgresStore) AddHoney(ctx context.Context, userID string, amount int64, reference string) error {
	return p.guardedUpdate(ctx, userID, "credit", amount, reference, `
		UPDATE honey_balances SET
			total      = total + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, nil)
}

// DeductHoney debits a user's total.
func (p *PostgresStore) DeductHoney(ctx context.Context, userID string, amount int64, reference string) error {
	return p.guardedUpdate(ctx, userID, "debit", amount, reference, `
		UPDATE honey_balances SET
			total      = total - $2,
			updated_at = NOW()
		WHERE user_id = $1 AND total - provisioned >= $2
	`, ErrInsufficientFunds)
}

// Finalize consumes a provision: total and provisioned drop together.
func (p *PostgresStore) Finalize(ctx context.Context, userID string, amount int64, reference string) error {
	return p.guardedUpdate(ctx, userID, "finalize", amount, reference, `
		UPDATE honey_balances SET
			total       = total - $2,
			provisioned = provisioned - $2,
			updated_at  = NOW()
		WHERE user_id = $1 AND provisioned >= $2
	`, ErrInvariantViolation)
}

// guardedUpdate runs an atomic balance update whose WHERE clause encodes
// the precondition, recording a ledger entry on success. guardErr is
// returned when the precondition rejects the row; a nil guardErr means the
// update has no precondition beyond row existence.
func (p *PostgresStore) guardedUpdate(ctx context.Context, userID, op string, amount int64, reference, query string, guardErr error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.ensure(ctx, tx, userID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if guardErr != nil {
			return guardErr
		}
		return ErrBalanceNotFound
	}

	if err := p.recordEntry(ctx, tx, userID, op, amount, reference); err != nil {
		return err
	}

	return tx.Commit()
}

// GetHistory retrieves ledger entries for a user, newest first.
func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, op, amount, reference, created_at
		FROM honey_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Op, &e.Amount, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumOutstanding returns the sums of total and provisioned honey across
// all balances, used by the reconciliation sweep and circulation gauges.
func (p *PostgresStore) SumOutstanding(ctx context.Context) (int64, int64, error) {
	var total, provisioned sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0), COALESCE(SUM(provisioned), 0)
		FROM honey_balances
	`).Scan(&total, &provisioned)
	if err != nil {
		return 0, 0, err
	}
	return total.Int64, provisioned.Int64, nil
}
