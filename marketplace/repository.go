package marketplace

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
	// ErrNotFound signals no config exists under the key.
	ErrNotFound = errors.New("marketplace: not found")
	// ErrAlreadyInitialized signals the authority already owns a marketplace.
	ErrAlreadyInitialized = errors.New("marketplace: already initialized")
)

// Repository handles data access for marketplace configs.
type Repository interface {
	Create(ctx context.Context, cfg Config) (Config, error)
	Get(ctx context.Context, key string) (Config, error)
	UpdateFee(ctx context.Context, key string, feeBps int64) (Config, error)
}

const configColumns = `id, authority, collection, fee_bps, created_at, updated_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed marketplace repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts the config under its derived key.
func (r *PGRepository) Create(ctx context.Context, cfg Config) (Config, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO marketplaces (id, authority, collection, fee_bps)
		VALUES ($1, $2, $3, $4)
		RETURNING %s
	`, configColumns)

	out, err := scanConfig(r.pool.QueryRow(ctx, insertSQL,
		keys.Marketplace(cfg.Authority), cfg.Authority, cfg.Collection, cfg.FeeBps))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Config{}, ErrAlreadyInitialized
		}
		return Config{}, fmt.Errorf("marketplace: create: %w", err)
	}
	return out, nil
}

// Get retrieves a config by its derived key.
func (r *PGRepository) Get(ctx context.Context, key string) (Config, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM marketplaces WHERE id = $1`, configColumns)

	out, err := scanConfig(r.pool.QueryRow(ctx, selectSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("marketplace: get: %w", err)
	}
	return out, nil
}

// UpdateFee sets a new fee rate on the config.
func (r *PGRepository) UpdateFee(ctx context.Context, key string, feeBps int64) (Config, error) {
	updateSQL := fmt.Sprintf(`
		UPDATE marketplaces SET fee_bps = $2, updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, configColumns)

	out, err := scanConfig(r.pool.QueryRow(ctx, updateSQL, key, feeBps))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("marketplace: update fee: %w", err)
	}
	return out, nil
}

// GetTx retrieves a config inside another service's transaction. Used by the
// escrow engine to read the fee rate and resolver identity mid-transition.
func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, key string) (Config, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM marketplaces WHERE id = $1`, configColumns)

	out, err := scanConfig(tx.QueryRow(ctx, selectSQL, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("marketplace: get in tx: %w", err)
	}
	return out, nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	err := row.Scan(&cfg.ID, &cfg.Authority, &cfg.Collection, &cfg.FeeBps, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
