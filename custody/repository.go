package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Adapter over the assets and asset_holdings tables.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed custody adapter.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Register records an already-minted asset and its current holder. Verified
// reflects whether the collection membership has been attested upstream.
func (r *PGRepository) Register(ctx context.Context, assetID, collection, holder string, verified bool) (Asset, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Asset{}, fmt.Errorf("custody: begin register: %w", err)
	}
	defer tx.Rollback(ctx)

	var asset Asset
	err = tx.QueryRow(ctx, `
		INSERT INTO assets (id, collection, verified)
		VALUES ($1, $2, $3)
		RETURNING id, collection, verified, created_at
	`, assetID, collection, verified).Scan(&asset.ID, &asset.Collection, &asset.Verified, &asset.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Asset{}, ErrDuplicateAsset
		}
		return Asset{}, fmt.Errorf("custody: register asset: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO asset_holdings (asset_id, holder) VALUES ($1, $2)
	`, assetID, holder); err != nil {
		return Asset{}, fmt.Errorf("custody: seed holding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Asset{}, fmt.Errorf("custody: commit register: %w", err)
	}
	return asset, nil
}

// TransferIn moves the asset from a participant's holding into a vault.
func (r *PGRepository) TransferIn(ctx context.Context, tx pgx.Tx, assetID, from, toVault string) error {
	return r.move(ctx, tx, assetID, from, toVault)
}

// TransferOut moves the asset from a vault back to a participant.
func (r *PGRepository) TransferOut(ctx context.Context, tx pgx.Tx, assetID, vault, to string) error {
	return r.move(ctx, tx, assetID, vault, to)
}

// move is a conditional single-row update: it only succeeds when the asset is
// currently held by from, so a stale caller can never move someone else's
// asset and the holdings row is locked until the surrounding tx settles.
func (r *PGRepository) move(ctx context.Context, tx pgx.Tx, assetID, from, to string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE asset_holdings SET holder = $3, updated_at = now()
		WHERE asset_id = $1 AND holder = $2
	`, assetID, from, to)
	if err != nil {
		return fmt.Errorf("custody: move %s: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferFailed
	}
	return nil
}

// VerifyCollectionMembership reports whether the asset is a verified member
// of the given collection.
func (r *PGRepository) VerifyCollectionMembership(ctx context.Context, tx pgx.Tx, assetID, collection string) (bool, error) {
	var (
		actual   string
		verified bool
	)
	err := tx.QueryRow(ctx, `SELECT collection, verified FROM assets WHERE id = $1`, assetID).
		Scan(&actual, &verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("custody: verify membership %s: %w", assetID, err)
	}
	return verified && actual == collection, nil
}

// Holder returns the current holder of an asset.
func (r *PGRepository) Holder(ctx context.Context, assetID string) (string, error) {
	var holder string
	err := r.pool.QueryRow(ctx, `SELECT holder FROM asset_holdings WHERE asset_id = $1`, assetID).Scan(&holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAssetNotFound
		}
		return "", fmt.Errorf("custody: holder %s: %w", assetID, err)
	}
	return holder, nil
}
