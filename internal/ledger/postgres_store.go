package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/arena/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. migrations/001_accounts.sql is the
// authoritative schema; this mirrors it for dev databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id          VARCHAR(64) PRIMARY KEY,
			name        VARCHAR(255) NOT NULL,
			balance     BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS balance_entries (
			id             VARCHAR(32) PRIMARY KEY,
			account_id     VARCHAR(64) NOT NULL REFERENCES accounts(id),
			type           VARCHAR(20) NOT NULL,
			amount         BIGINT NOT NULL,
			balance_after  BIGINT NOT NULL,
			reference      VARCHAR(64),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_balance_entries_account ON balance_entries(account_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, name, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.Name, acct.Balance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	if err := insertEntry(ctx, tx, acct.ID, EntryOpen, acct.Balance, acct.Balance, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, balance, created_at, updated_at
		FROM accounts WHERE id = $1`, id,
	).Scan(&acct.ID, &acct.Name, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, balance, created_at, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

// Adjust locks the account row, checks the result stays non-negative, and
// records the entry in the same transaction.
func (p *PostgresStore) Adjust(ctx context.Context, id string, delta int64, reference string) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	acct := &Account{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, balance, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE`, id,
	).Scan(&acct.ID, &acct.Name, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	next, err := applyDelta(acct.Balance, delta)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
		next, now, id); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if err := insertEntry(ctx, tx, id, EntryAdjust, delta, next, reference); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	acct.Balance = next
	acct.UpdatedAt = now
	return acct, nil
}

// Transfer locks both rows in canonical id order so two transfers sharing a
// participant cannot deadlock, then debits and credits in one transaction.
func (p *PostgresStore) Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	first, second := canonicalOrder(fromID, toID)
	balances := make(map[string]int64, 2)
	for _, id := range []string{first, second} {
		var bal int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&bal)
		if err == sql.ErrNoRows {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		balances[id] = bal
	}

	fromAfter, err := applyDelta(balances[fromID], -amount)
	if err != nil {
		return err
	}
	toAfter, err := applyDelta(balances[toID], amount)
	if err != nil {
		return err
	}

	now := time.Now()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
		fromAfter, now, fromID); err != nil {
		return fmt.Errorf("failed to debit %s: %w", fromID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
		toAfter, now, toID); err != nil {
		return fmt.Errorf("failed to credit %s: %w", toID, err)
	}

	if err := insertEntry(ctx, tx, fromID, EntryTransferOut, -amount, fromAfter, reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, toID, EntryTransferIn, amount, toAfter, reference); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, balance_after, COALESCE(reference, ''), created_at
		FROM balance_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID, typ string, amount, after int64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_entries (id, account_id, type, amount, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		idgen.WithPrefix(idgen.EntryPrefix), accountID, typ, amount, after, nullString(reference))
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", typ, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
