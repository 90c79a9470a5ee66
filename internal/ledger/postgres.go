package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// PostgresStore persists balances in a relational table:
//
//	CREATE TABLE balances (
//	    account    TEXT PRIMARY KEY,
//	    balance    NUMERIC NOT NULL DEFAULT 0,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// Row locking (SELECT ... FOR UPDATE) serializes mutations per account.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE account = $1`, account,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance for %s: %w", account, err)
	}
	return balance, nil
}

func (s *PostgresStore) Debit(ctx context.Context, account string, amount, adjustment, minBalance decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, account)
	if err != nil {
		return decimal.Zero, err
	}

	balance = balance.Add(adjustment)
	newBalance := balance.Sub(amount)
	if newBalance.LessThan(minBalance) {
		// Keep the settlement adjustment even though the debit fails.
		if err := writeBalance(ctx, tx, account, balance); err != nil {
			return decimal.Zero, err
		}
		if err := tx.Commit(); err != nil {
			return decimal.Zero, fmt.Errorf("failed to commit: %w", err)
		}
		return balance, transfer.ErrInsufficientBalance(account)
	}

	if err := writeBalance(ctx, tx, account, newBalance); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit: %w", err)
	}
	return newBalance, nil
}

func (s *PostgresStore) Credit(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, account)
	if err != nil {
		return decimal.Zero, err
	}

	newBalance := balance.Add(amount)
	if err := writeBalance(ctx, tx, account, newBalance); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit: %w", err)
	}
	return newBalance, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// lockBalance reads the account row under FOR UPDATE, inserting it first if
// the account has never been seen.
func lockBalance(ctx context.Context, tx *sql.Tx, account string) (decimal.Decimal, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (account, balance) VALUES ($1, 0)
		 ON CONFLICT (account) DO NOTHING`, account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to ensure balance row for %s: %w", account, err)
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE account = $1 FOR UPDATE`, account,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock balance row for %s: %w", account, err)
	}
	return balance, nil
}

func writeBalance(ctx context.Context, tx *sql.Tx, account string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE balances SET balance = $1, updated_at = now() WHERE account = $2`,
		balance, account)
	if err != nil {
		return fmt.Errorf("failed to update balance for %s: %w", account, err)
	}
	return nil
}
