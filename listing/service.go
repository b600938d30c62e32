package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"cardvault/custody"
	"cardvault/events"
	"cardvault/keys"
	"cardvault/marketplace"
)

var (
	// ErrUnauthorized signals the caller does not own the listing.
	ErrUnauthorized = errors.New("listing: unauthorized")
	// ErrAssetNotVerified signals the asset is not a verified member of the
	// marketplace's designated collection.
	ErrAssetNotVerified = errors.New("listing: asset not verified")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConfigSource reads marketplace configs inside the active transaction.
type ConfigSource interface {
	GetTx(ctx context.Context, tx pgx.Tx, key string) (marketplace.Config, error)
}

// StatsWriter adjusts identity counters inside the active transaction.
type StatsWriter interface {
	AdjustActiveListings(ctx context.Context, tx pgx.Tx, address string, delta int) error
}

// Recorder appends market events and outbox messages inside the active transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, entityKey, eventType string, actor *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the listing lifecycle. Every operation validates its
// preconditions and commits all resulting mutations as one transaction;
// any failure leaves the pre-operation state unchanged.
type Service struct {
	pool        TxBeginner
	store       Store
	custody     custody.Adapter
	configs     ConfigSource
	stats       StatsWriter
	recorder    Recorder
	idGenerator func() string
	now         func() time.Time
}

// NewService builds the listing service.
func NewService(pool TxBeginner, store Store, adapter custody.Adapter, configs ConfigSource, stats StatsWriter, recorder Recorder) *Service {
	return &Service{
		pool:        pool,
		store:       store,
		custody:     adapter,
		configs:     configs,
		stats:       stats,
		recorder:    recorder,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithIDGenerator overrides row id generation, for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Create lists an asset for sale. The asset must be a verified member of the
// marketplace's collection and held by the seller; it moves into the listing
// vault in the same transaction that creates the Active listing row, so a
// failed custody transfer leaves no listing behind.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if params.Seller == "" {
		return Listing{}, fmt.Errorf("listing: seller is required")
	}
	if params.MarketplaceKey == "" {
		return Listing{}, fmt.Errorf("listing: marketplace key is required")
	}
	if params.AssetID == "" {
		return Listing{}, fmt.Errorf("listing: asset id is required")
	}
	if params.Price <= 0 {
		return Listing{}, fmt.Errorf("listing: price must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.configs.GetTx(ctx, tx, params.MarketplaceKey)
	if err != nil {
		return Listing{}, err
	}

	ok, err := s.custody.VerifyCollectionMembership(ctx, tx, params.AssetID, cfg.Collection)
	if err != nil {
		return Listing{}, err
	}
	if !ok {
		return Listing{}, ErrAssetNotVerified
	}

	id := s.idGenerator()
	l := Listing{
		ID:            id,
		Key:           keys.Listing(params.MarketplaceKey, params.AssetID),
		MarketplaceID: params.MarketplaceKey,
		AssetID:       params.AssetID,
		Owner:         params.Seller,
		Price:         params.Price,
		Metadata:      params.Metadata,
		ImageURL:      params.ImageURL,
		VaultKey:      keys.Vault(id),
		Status:        StatusActive,
	}

	created, err := s.store.Insert(ctx, tx, l)
	if err != nil {
		return Listing{}, err
	}

	if err := s.custody.TransferIn(ctx, tx, params.AssetID, params.Seller, l.VaultKey); err != nil {
		return Listing{}, err
	}

	if err := s.stats.AdjustActiveListings(ctx, tx, params.Seller, 1); err != nil {
		return Listing{}, err
	}

	seller := params.Seller
	if err := s.recorder.Append(ctx, tx, created.Key, events.TypeListingCreated, &seller, map[string]any{
		"listing_id": created.ID,
		"asset_id":   created.AssetID,
		"price":      created.Price,
	}); err != nil {
		return Listing{}, err
	}
	if err := s.recorder.Enqueue(ctx, tx, events.TopicListingCreated, map[string]any{
		"listing_key": created.Key,
		"asset_id":    created.AssetID,
		"price":       created.Price,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit create: %w", err)
	}
	return created, nil
}

// Cancel withdraws an Active listing. The asset returns from the vault to
// the seller and the row moves to the terminal Cancelled status.
func (s *Service) Cancel(ctx context.Context, caller, listingKey string) (Listing, error) {
	if caller == "" {
		return Listing{}, fmt.Errorf("listing: caller is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.store.GetOpenByKeyForUpdate(ctx, tx, listingKey)
	if err != nil {
		return Listing{}, err
	}
	if l.Owner != caller {
		return Listing{}, ErrUnauthorized
	}
	if l.Status != StatusActive {
		return Listing{}, ErrInvalidState
	}

	if err := s.custody.TransferOut(ctx, tx, l.AssetID, l.VaultKey, caller); err != nil {
		return Listing{}, err
	}

	if err := s.store.Transition(ctx, tx, l.ID, StatusActive, StatusCancelled); err != nil {
		return Listing{}, err
	}

	if err := s.stats.AdjustActiveListings(ctx, tx, caller, -1); err != nil {
		return Listing{}, err
	}

	if err := s.recorder.Append(ctx, tx, l.Key, events.TypeListingCancelled, &caller, map[string]any{
		"listing_id": l.ID,
		"asset_id":   l.AssetID,
	}); err != nil {
		return Listing{}, err
	}
	if err := s.recorder.Enqueue(ctx, tx, events.TopicListingCancelled, map[string]any{
		"listing_key": l.Key,
		"asset_id":    l.AssetID,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit cancel: %w", err)
	}

	l.Status = StatusCancelled
	return l, nil
}

// Get returns the current listing under the key: the open row if one exists,
// otherwise the most recent terminal one.
func (s *Service) Get(ctx context.Context, listingKey string) (Listing, error) {
	return s.store.GetByKey(ctx, listingKey)
}

// ListByOwner returns the owner's listings, newest first.
func (s *Service) ListByOwner(ctx context.Context, owner string, limit int) ([]Listing, error) {
	return s.store.ListByOwner(ctx, owner, limit)
}
