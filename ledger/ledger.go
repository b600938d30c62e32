// Package ledger is the funds boundary of the marketplace core. Debits and
// credits are only ever issued in matched pairs inside a single state
// transition's transaction, so the ledger never observes a half-moved amount.
package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientFunds signals the debited identity cannot cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount signals a zero or negative movement was requested.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Ledger moves funds between identities. Both calls run inside the caller's
// transaction; a returned error must abort that transaction.
type Ledger interface {
	Debit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error
	Credit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error
}
