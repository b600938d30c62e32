package escrow

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
	"cardvault/listing"
	"cardvault/marketplace"
)

// ErrUnauthorized signals the caller holds no capability over the escrow:
// not the buyer, not the marketplace authority, or trying to buy their own
// listing.
var ErrUnauthorized = errors.New("escrow: unauthorized")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConfigSource reads marketplace configs inside the active transaction.
// The stored authority doubles as the authorized dispute resolver.
type ConfigSource interface {
	GetTx(ctx context.Context, tx pgx.Tx, key string) (marketplace.Config, error)
}

// Funds moves balances inside the active transaction.
type Funds interface {
	Debit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error
	Credit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error
}

// StatsWriter bumps identity trade counters inside the active transaction.
type StatsWriter interface {
	RecordSale(ctx context.Context, tx pgx.Tx, seller, buyer string) error
}

// Recorder appends market events and outbox messages inside the active transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, entityKey, eventType string, actor *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the escrow engine. Funds enter custody when a purchase opens
// and leave exactly once, in full, to exactly one of {seller, buyer}.
// Every operation is a single transaction over FOR UPDATE row locks, so two
// parties racing on the same listing or escrow serialize and the loser
// observes the new state.
type Service struct {
	pool        TxBeginner
	store       Store
	listings    listing.Store
	funds       Funds
	custody     custody.Adapter
	configs     ConfigSource
	stats       StatsWriter
	recorder    Recorder
	idGenerator func() string
	now         func() time.Time
}

// NewService builds the escrow engine.
func NewService(pool TxBeginner, store Store, listings listing.Store, funds Funds, adapter custody.Adapter, configs ConfigSource, stats StatsWriter, recorder Recorder) *Service {
	return &Service{
		pool:        pool,
		store:       store,
		listings:    listings,
		funds:       funds,
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

// OpenPurchase locks the buyer's funds against an Active listing. The debit,
// the escrow row and the listing's move to Pending commit together or not at
// all; of two buyers racing for the same listing, exactly one wins and the
// other observes listing.ErrInvalidState.
func (s *Service) OpenPurchase(ctx context.Context, buyer, listingKey string) (Escrow, error) {
	if buyer == "" {
		return Escrow{}, fmt.Errorf("escrow: buyer is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.listings.GetOpenByKeyForUpdate(ctx, tx, listingKey)
	if err != nil {
		return Escrow{}, err
	}
	if l.Status != listing.StatusActive {
		return Escrow{}, listing.ErrInvalidState
	}
	if l.Owner == buyer {
		return Escrow{}, ErrUnauthorized
	}

	if err := s.funds.Debit(ctx, tx, buyer, l.Price); err != nil {
		return Escrow{}, err
	}

	e := Escrow{
		ID:            s.idGenerator(),
		Key:           keys.Escrow(l.ID),
		ListingID:     l.ID,
		ListingKey:    l.Key,
		MarketplaceID: l.MarketplaceID,
		Seller:        l.Owner,
		Buyer:         buyer,
		LockedAmount:  l.Price,
		Status:        StatusOpen,
	}
	created, err := s.store.Insert(ctx, tx, e)
	if err != nil {
		return Escrow{}, err
	}

	if err := s.listings.Transition(ctx, tx, l.ID, listing.StatusActive, listing.StatusPending); err != nil {
		return Escrow{}, err
	}

	if err := s.recorder.Append(ctx, tx, created.Key, events.TypePurchaseOpened, &buyer, map[string]any{
		"listing_key":   l.Key,
		"locked_amount": created.LockedAmount,
		"seller":        created.Seller,
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.recorder.Enqueue(ctx, tx, events.TopicPurchaseOpened, map[string]any{
		"escrow_key":  created.Key,
		"listing_key": l.Key,
		"amount":      created.LockedAmount,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit open purchase: %w", err)
	}
	return created, nil
}

// Release settles the escrow to the seller: the marketplace fee goes to the
// authority, the remainder to the seller, the asset leaves the vault for the
// buyer and the listing becomes Sold. Callable by the buyer confirming
// receipt or by the marketplace authority resolving a dispute.
func (s *Service) Release(ctx context.Context, caller, escrowKey string) (Settlement, error) {
	return s.settle(ctx, caller, escrowKey, StatusReleased)
}

// Refund settles the escrow back to the buyer in full, no fee charged. The
// asset stays in the vault and the listing returns to Active, ready for the
// seller to cancel or another buyer to purchase. Callable by the buyer or by
// the marketplace authority resolving a dispute.
func (s *Service) Refund(ctx context.Context, caller, escrowKey string) (Settlement, error) {
	return s.settle(ctx, caller, escrowKey, StatusRefunded)
}

func (s *Service) settle(ctx context.Context, caller, escrowKey string, outcome Status) (Settlement, error) {
	if caller == "" {
		return Settlement{}, fmt.Errorf("escrow: caller is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.store.GetOpenByKeyForUpdate(ctx, tx, escrowKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			settled, serr := s.store.WasSettled(ctx, tx, escrowKey)
			if serr != nil {
				return Settlement{}, serr
			}
			if settled {
				return Settlement{}, ErrAlreadySettled
			}
		}
		return Settlement{}, err
	}

	cfg, err := s.configs.GetTx(ctx, tx, e.MarketplaceID)
	if err != nil {
		return Settlement{}, err
	}
	if caller != e.Buyer && caller != cfg.Authority {
		return Settlement{}, ErrUnauthorized
	}

	l, err := s.listings.GetByIDForUpdate(ctx, tx, e.ListingID)
	if err != nil {
		return Settlement{}, err
	}

	var fee int64
	switch outcome {
	case StatusReleased:
		fee = cfg.Fee(e.LockedAmount)
		if err := s.funds.Credit(ctx, tx, e.Seller, e.LockedAmount-fee); err != nil {
			return Settlement{}, err
		}
		if fee > 0 {
			if err := s.funds.Credit(ctx, tx, cfg.Authority, fee); err != nil {
				return Settlement{}, err
			}
		}
		if err := s.custody.TransferOut(ctx, tx, l.AssetID, l.VaultKey, e.Buyer); err != nil {
			return Settlement{}, err
		}
		if err := s.listings.Transition(ctx, tx, l.ID, listing.StatusPending, listing.StatusSold); err != nil {
			return Settlement{}, err
		}
		if err := s.stats.RecordSale(ctx, tx, e.Seller, e.Buyer); err != nil {
			return Settlement{}, err
		}
	case StatusRefunded:
		if err := s.funds.Credit(ctx, tx, e.Buyer, e.LockedAmount); err != nil {
			return Settlement{}, err
		}
		if err := s.listings.Transition(ctx, tx, l.ID, listing.StatusPending, listing.StatusActive); err != nil {
			return Settlement{}, err
		}
	default:
		return Settlement{}, fmt.Errorf("escrow: invalid settlement outcome %q", outcome)
	}

	settled, err := s.store.Settle(ctx, tx, e.ID, outcome, fee, caller)
	if err != nil {
		return Settlement{}, err
	}

	eventType := events.TypeEscrowReleased
	topic := events.TopicEscrowReleased
	if outcome == StatusRefunded {
		eventType = events.TypeEscrowRefunded
		topic = events.TopicEscrowRefunded
	}
	if err := s.recorder.Append(ctx, tx, e.Key, eventType, &caller, map[string]any{
		"listing_key": e.ListingKey,
		"amount":      e.LockedAmount,
		"fee":         fee,
	}); err != nil {
		return Settlement{}, err
	}
	if err := s.recorder.Enqueue(ctx, tx, topic, map[string]any{
		"escrow_key": e.Key,
		"amount":     e.LockedAmount,
		"fee":        fee,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, fmt.Errorf("escrow: commit settlement: %w", err)
	}

	settledAt := s.now()
	if settled.SettledAt != nil {
		settledAt = *settled.SettledAt
	}
	return Settlement{
		EscrowKey: e.Key,
		Outcome:   outcome,
		Payout:    e.LockedAmount - fee,
		Fee:       fee,
		SettledBy: caller,
		SettledAt: settledAt,
	}, nil
}
