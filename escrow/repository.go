package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no escrow, open or settled, exists under the key.
	ErrNotFound = errors.New("escrow: not found")
	// ErrAlreadySettled signals the escrow was already released or refunded.
	ErrAlreadySettled = errors.New("escrow: already settled")
	// ErrPurchaseInFlight signals an open escrow already exists for the listing.
	ErrPurchaseInFlight = errors.New("escrow: purchase already in flight")
)

// Store defines escrow row access. Row methods take the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error)
	GetOpenByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (Escrow, error)
	WasSettled(ctx context.Context, tx pgx.Tx, key string) (bool, error)
	Settle(ctx context.Context, tx pgx.Tx, id string, outcome Status, fee int64, settledBy string) (Escrow, error)
}

const escrowColumns = `id, key, listing_id, listing_key, marketplace_id, seller, buyer,
       locked_amount, status, fee_paid, settled_by, settled_at, created_at`

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed escrow store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert writes a new open escrow row.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO escrows (id, key, listing_id, listing_key, marketplace_id, seller, buyer, locked_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open')
		RETURNING %s
	`, escrowColumns)

	out, err := scanEscrow(tx.QueryRow(ctx, insertSQL,
		e.ID, e.Key, e.ListingID, e.ListingKey, e.MarketplaceID, e.Seller, e.Buyer, e.LockedAmount))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Escrow{}, ErrPurchaseInFlight
		}
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return out, nil
}

// GetOpenByKeyForUpdate locks and returns the open escrow under the key.
// Concurrent release and refund attempts serialize on this lock; the loser
// re-reads a settled row and fails.
func (s *PGStore) GetOpenByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (Escrow, error) {
	selectSQL := fmt.Sprintf(`
		SELECT %s FROM escrows
		WHERE key = $1 AND status = 'open'
		FOR UPDATE
	`, escrowColumns)

	out, err := scanEscrow(tx.QueryRow(ctx, selectSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get open by key: %w", err)
	}
	return out, nil
}

// WasSettled reports whether a settled escrow row exists under the key.
func (s *PGStore) WasSettled(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM escrows WHERE key = $1 AND status <> 'open')
	`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("escrow: check settled: %w", err)
	}
	return exists, nil
}

// Settle moves the row open -> outcome exactly once. The status guard makes
// a second settlement attempt affect zero rows.
func (s *PGStore) Settle(ctx context.Context, tx pgx.Tx, id string, outcome Status, fee int64, settledBy string) (Escrow, error) {
	if outcome != StatusReleased && outcome != StatusRefunded {
		return Escrow{}, fmt.Errorf("escrow: invalid settlement outcome %q", outcome)
	}

	settleSQL := fmt.Sprintf(`
		UPDATE escrows
		SET status = $2, fee_paid = $3, settled_by = $4, settled_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING %s
	`, escrowColumns)

	out, err := scanEscrow(tx.QueryRow(ctx, settleSQL, id, outcome, fee, settledBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrAlreadySettled
		}
		return Escrow{}, fmt.Errorf("escrow: settle: %w", err)
	}
	return out, nil
}

// GetByKey returns the most recent escrow row under the key, open or settled.
func (s *PGStore) GetByKey(ctx context.Context, key string) (Escrow, error) {
	selectSQL := fmt.Sprintf(`
		SELECT %s FROM escrows
		WHERE key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, escrowColumns)

	out, err := scanEscrow(s.pool.QueryRow(ctx, selectSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get by key: %w", err)
	}
	return out, nil
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var e Escrow
	err := row.Scan(
		&e.ID,
		&e.Key,
		&e.ListingID,
		&e.ListingKey,
		&e.MarketplaceID,
		&e.Seller,
		&e.Buyer,
		&e.LockedAmount,
		&e.Status,
		&e.FeePaid,
		&e.SettledBy,
		&e.SettledAt,
		&e.CreatedAt,
	)
	if err != nil {
		return Escrow{}, err
	}
	return e, nil
}
