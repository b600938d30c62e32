package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a safety property expressed as SQL. The query returns zero rows
// when the property holds; any row is a counterexample.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_escrow_per_listing",
			SQL: `SELECT key, COUNT(*) FROM escrows
                  WHERE status = 'open'
                  GROUP BY key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_open_listing_per_slot",
			SQL: `SELECT key, COUNT(*) FROM listings
                  WHERE status IN ('active', 'pending')
                  GROUP BY key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_no_negative_balance",
			SQL:  `SELECT identity, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O4_pending_listing_has_open_escrow",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'pending'
                    AND NOT EXISTS (SELECT 1 FROM escrows e
                                    WHERE e.listing_id = l.id AND e.status = 'open')`,
		},
		{
			Name: "O5_open_escrow_listing_pending",
			SQL: `SELECT e.id FROM escrows e
                  JOIN listings l ON l.id = e.listing_id
                  WHERE e.status = 'open' AND l.status <> 'pending'`,
		},
		{
			Name: "O6_open_listing_asset_in_vault",
			SQL: `SELECT l.id, h.holder FROM listings l
                  JOIN asset_holdings h ON h.asset_id = l.asset_id
                  WHERE l.status IN ('active', 'pending')
                    AND h.holder <> l.vault_key::text`,
		},
		{
			Name: "O7_sold_listing_released_escrow",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'sold'
                    AND NOT EXISTS (SELECT 1 FROM escrows e
                                    WHERE e.listing_id = l.id AND e.status = 'released')`,
		},
		{
			Name: "O8_release_fee_within_price",
			SQL: `SELECT id, fee_paid, locked_amount FROM escrows
                  WHERE status = 'released' AND (fee_paid < 0 OR fee_paid > locked_amount)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

// FundsTotal sums every balance plus every amount locked in an open escrow.
// Deposits are the only way value enters the system, so this total must stay
// pinned at the seeded amount no matter how settlements interleave.
func FundsTotal(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var total int64
	err := pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT SUM(amount) FROM balances), 0)
		     + COALESCE((SELECT SUM(locked_amount) FROM escrows WHERE status = 'open'), 0)
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("funds total: %w", err)
	}
	return total, nil
}
