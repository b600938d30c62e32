package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no open listing exists under the key.
	ErrNotFound = errors.New("listing: not found")
	// ErrDuplicateListing signals an open listing already occupies the
	// (marketplace, asset) slot.
	ErrDuplicateListing = errors.New("listing: duplicate listing")
	// ErrInvalidState signals the requested transition is not in the table
	// or the row moved away from the expected status.
	ErrInvalidState = errors.New("listing: invalid listing state")
)

// Store defines the data access required by the service and the escrow
// engine. Row methods take the caller's transaction so every transition
// commits as one indivisible unit.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error)
	GetOpenByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (Listing, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
	GetByKey(ctx context.Context, key string) (Listing, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]Listing, error)
}

const listingColumns = `id, key, marketplace_id, asset_id, owner, price,
       metadata, image_url, vault_key, status, created_at, updated_at`

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed listing store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert writes a new listing row. The partial unique index over open
// statuses rejects a second open listing for the same key.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO listings (id, key, marketplace_id, asset_id, owner, price, metadata, image_url, vault_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING %s
	`, listingColumns)

	out, err := scanListing(tx.QueryRow(ctx, insertSQL,
		l.ID, l.Key, l.MarketplaceID, l.AssetID, l.Owner, l.Price, l.Metadata, l.ImageURL, l.VaultKey, l.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Listing{}, ErrDuplicateListing
		}
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return out, nil
}

// GetOpenByKeyForUpdate locks and returns the open listing under the key.
// Concurrent transitions on the same listing serialize on this lock.
func (s *PGStore) GetOpenByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (Listing, error) {
	selectSQL := fmt.Sprintf(`
		SELECT %s FROM listings
		WHERE key = $1 AND status IN ('active', 'pending')
		FOR UPDATE
	`, listingColumns)

	out, err := scanListing(tx.QueryRow(ctx, selectSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get open by key: %w", err)
	}
	return out, nil
}

// GetByIDForUpdate locks and returns a listing row by its surrogate id.
func (s *PGStore) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM listings WHERE id = $1 FOR UPDATE`, listingColumns)

	out, err := scanListing(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get by id: %w", err)
	}
	return out, nil
}

// Transition moves the row from -> to. The guard on both the table and the
// current row status means a row that already moved away fails cleanly with
// ErrInvalidState instead of silently no-opping.
func (s *PGStore) Transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidState
	}

	tag, err := tx.Exec(ctx, `
		UPDATE listings SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("listing: transition %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// GetByKey returns the most recent listing row under the key, open or not.
func (s *PGStore) GetByKey(ctx context.Context, key string) (Listing, error) {
	selectSQL := fmt.Sprintf(`
		SELECT %s FROM listings
		WHERE key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, listingColumns)

	out, err := scanListing(s.pool.QueryRow(ctx, selectSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get by key: %w", err)
	}
	return out, nil
}

// ListByOwner returns the owner's listings, newest first.
func (s *PGStore) ListByOwner(ctx context.Context, owner string, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	selectSQL := fmt.Sprintf(`
		SELECT %s FROM listings
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, listingColumns)

	rows, err := s.pool.Query(ctx, selectSQL, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list by owner: %w", err)
	}
	defer rows.Close()

	out := make([]Listing, 0, 8)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID,
		&l.Key,
		&l.MarketplaceID,
		&l.AssetID,
		&l.Owner,
		&l.Price,
		&l.Metadata,
		&l.ImageURL,
		&l.VaultKey,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	return l, nil
}
