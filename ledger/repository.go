package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Ledger over the balances table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed ledger.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Debit removes amount from the identity's balance. The conditional update
// serializes concurrent debits on the balance row and refuses to overdraw.
func (r *PGRepository) Debit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tag, err := tx.Exec(ctx, `
		UPDATE balances SET amount = amount - $2, updated_at = now()
		WHERE identity = $1 AND amount >= $2
	`, identity, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit %s: %w", identity, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Credit adds amount to the identity's balance, creating the row if absent.
func (r *PGRepository) Credit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balances (identity, amount)
		VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
	`, identity, amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", identity, err)
	}
	return nil
}

// Balance reads the identity's current balance outside any transaction.
// Missing rows read as zero.
func (r *PGRepository) Balance(ctx context.Context, identity string) (int64, error) {
	var amount int64
	err := r.pool.QueryRow(ctx, `SELECT amount FROM balances WHERE identity = $1`, identity).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance %s: %w", identity, err)
	}
	return amount, nil
}

// Deposit funds an identity outside any transition, e.g. when a participant
// tops up from an external payment rail.
func (r *PGRepository) Deposit(ctx context.Context, identity string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO balances (identity, amount)
		VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
	`, identity, amount); err != nil {
		return fmt.Errorf("ledger: deposit %s: %w", identity, err)
	}
	return nil
}
