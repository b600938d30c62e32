// Package custody is the asset boundary of the marketplace core. An asset is
// held by exactly one holder at every instant: a participant identity or a
// listing vault. Ownership only ever changes through the adapter, inside the
// caller's transaction.
package custody

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrTransferFailed signals the purported holder does not hold the asset.
	ErrTransferFailed = errors.New("custody: transfer failed")
	// ErrAssetNotFound signals the asset was never registered.
	ErrAssetNotFound = errors.New("custody: asset not found")
	// ErrDuplicateAsset signals the asset identifier is already registered.
	ErrDuplicateAsset = errors.New("custody: asset already registered")
)

// Asset describes a registered collectible. Minting happens outside the core;
// Register is where an already-minted asset enters custody tracking.
type Asset struct {
	ID         string
	Collection string
	Verified   bool
	CreatedAt  time.Time
}

// Adapter moves assets between holders and answers collection membership.
// Every call runs in the caller's transaction and a returned error must abort
// that transaction; the core never assumes a transfer succeeded silently.
type Adapter interface {
	TransferIn(ctx context.Context, tx pgx.Tx, assetID, from, toVault string) error
	TransferOut(ctx context.Context, tx pgx.Tx, assetID, vault, to string) error
	VerifyCollectionMembership(ctx context.Context, tx pgx.Tx, assetID, collection string) (bool, error)
}
