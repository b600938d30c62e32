package actors

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardvault/custody"
	"cardvault/escrow"
	"cardvault/keys"
	"cardvault/ledger"
	"cardvault/listing"
)

// Trader is one market participant hammering the real service layer. Each
// iteration picks a random asset and either tries to buy its open listing
// (settling the escrow with a random verdict) or, when the trader holds the
// asset or owns its listing, cancels and relists it. Contention errors are
// the point of the exercise and are swallowed; anything unexpected aborts
// the run.
func Trader(ctx context.Context, listings *listing.Service, escrows *escrow.Service, addr, marketplaceKey string, assetIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		assetID := assetIDs[rand.Intn(len(assetIDs))]
		listingKey := keys.Listing(marketplaceKey, assetID)
		price := int64(50 + rand.Intn(100))

		var err error
		switch rand.Intn(3) {
		case 0, 1:
			var e escrow.Escrow
			e, err = escrows.OpenPurchase(ctx, addr, listingKey)
			if err == nil {
				if rand.Intn(2) == 0 {
					_, err = escrows.Release(ctx, addr, e.Key)
				} else {
					_, err = escrows.Refund(ctx, addr, e.Key)
				}
			}
		case 2:
			_, err = listings.Cancel(ctx, addr, listingKey)
			if err == nil || errors.Is(err, listing.ErrNotFound) {
				_, err = listings.Create(ctx, listing.CreateParams{
					Seller:         addr,
					MarketplaceKey: marketplaceKey,
					AssetID:        assetID,
					Price:          price,
				})
			}
		}
		if err != nil && !expected(err) {
			return err
		}

		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox messages with SKIP LOCKED, marking them
// processed or bumping attempts on a simulated delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func expected(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, listing.ErrNotFound),
		errors.Is(err, listing.ErrInvalidState),
		errors.Is(err, listing.ErrUnauthorized),
		errors.Is(err, listing.ErrDuplicateListing),
		errors.Is(err, listing.ErrAssetNotVerified):
		return true
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrAlreadySettled),
		errors.Is(err, escrow.ErrPurchaseInFlight),
		errors.Is(err, escrow.ErrUnauthorized):
		return true
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, custody.ErrTransferFailed):
		return true
	}
	// serialization failures, deadlocks, and chaos-killed backends are
	// retried by the next iteration
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01":
			return true
		}
	}
	return errors.Is(err, net.ErrClosed)
}
