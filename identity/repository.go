package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardvault/keys"
)

var (
	// ErrNotFound signals that no record exists for the address.
	ErrNotFound = errors.New("identity: not found")
	// ErrAlreadyRegistered signals a second registration for the same address.
	ErrAlreadyRegistered = errors.New("identity: already registered")
)

// Repository handles data access for the identity registry.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Record, error)
	GetByAddress(ctx context.Context, address string) (Record, error)
}

// CreateParams contains write parameters for registering participants.
type CreateParams struct {
	Address      string
	DisplayName  string
	PasswordHash string
}

const recordColumns = `id, address, display_name, password_hash,
       active_listings, sales_completed, purchases_completed, created_at, updated_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed identity repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a zero-initialized record keyed by the derived identity key.
// The primary key makes creation a single atomic create-if-absent.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Record, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO identities (id, address, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING %s
	`, recordColumns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, insertSQL,
		keys.Identity(params.Address), params.Address, params.DisplayName, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyRegistered
		}
		return Record{}, fmt.Errorf("identity: create: %w", err)
	}
	return rec, nil
}

// GetByAddress retrieves a record by participant address.
func (r *PGRepository) GetByAddress(ctx context.Context, address string) (Record, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM identities WHERE address = $1`, recordColumns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, selectSQL, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("identity: get by address: %w", err)
	}
	return rec, nil
}

// AdjustActiveListings shifts the active-listings counter inside the caller's
// transaction. Used by the listing service on create and cancel.
func (r *PGRepository) AdjustActiveListings(ctx context.Context, tx pgx.Tx, address string, delta int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE identities
		SET active_listings = active_listings + $2, updated_at = now()
		WHERE address = $1
	`, address, delta)
	if err != nil {
		return fmt.Errorf("identity: adjust active listings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSale bumps the trade counters for both sides of a settled sale and
// releases the seller's active-listings slot, inside the caller's transaction.
func (r *PGRepository) RecordSale(ctx context.Context, tx pgx.Tx, seller, buyer string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE identities
		SET sales_completed = sales_completed + 1,
		    active_listings = active_listings - 1,
		    updated_at = now()
		WHERE address = $1
	`, seller); err != nil {
		return fmt.Errorf("identity: record sale (seller): %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE identities
		SET purchases_completed = purchases_completed + 1, updated_at = now()
		WHERE address = $1
	`, buyer); err != nil {
		return fmt.Errorf("identity: record sale (buyer): %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.Address,
		&rec.DisplayName,
		&rec.PasswordHash,
		&rec.ActiveListings,
		&rec.SalesCompleted,
		&rec.PurchasesCompleted,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
