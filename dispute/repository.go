package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrForbidden   = errors.New("dispute: forbidden")
	ErrBadStatus   = errors.New("dispute: invalid status transition")
	ErrAlreadyOpen = errors.New("dispute: dispute already open for escrow")
)

const recordColumns = `id, escrow_key, claimant, reason, status::text, resolution, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create raises a dispute. The INSERT..SELECT admits only the buyer or
// seller of a currently open escrow; anyone else gets ErrForbidden.
func (r *Repository) Create(ctx context.Context, claimant, escrowKey, reason string) (Record, error) {
	query := fmt.Sprintf(`
		INSERT INTO disputes (escrow_key, claimant, reason, status)
		SELECT $1, $2, $3, 'under_review'
		FROM escrows e
		WHERE e.key = $1 AND e.status = 'open' AND (e.buyer = $2 OR e.seller = $2)
		RETURNING %s
	`, recordColumns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, escrowKey, claimant, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrForbidden
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// Get returns a dispute by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, recordColumns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// List returns the disputes raised against an escrow, newest first.
func (r *Repository) List(ctx context.Context, escrowKey string) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM disputes
		WHERE escrow_key = $1
		ORDER BY created_at DESC
	`, recordColumns)

	rows, err := r.pool.Query(ctx, query, escrowKey)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// MarkResolved flips the dispute to resolved with the settlement verdict,
// once. A second attempt finds no under_review row and reports why.
func (r *Repository) MarkResolved(ctx context.Context, id, resolution string) (Record, error) {
	query := fmt.Sprintf(`
		UPDATE disputes
		SET status = 'resolved', resolution = $2, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'under_review'
		RETURNING %s
	`, recordColumns)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, resolution))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark resolved fetch: %w", err)
	}
	if status == StatusResolved {
		return Record{}, ErrBadStatus
	}
	return Record{}, ErrNotFound
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.EscrowKey,
		&rec.Claimant,
		&rec.Reason,
		&rec.Status,
		&rec.Resolution,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
