package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cardvault/custody"
	"cardvault/keys"
	"cardvault/ledger"
	"cardvault/listing"
	"cardvault/marketplace"
)

const (
	mkKey     = "mk-key"
	authority = "authority-1"
	seller    = "seller-1"
	buyer     = "buyer-1"
)

// fixture wires the escrow engine against in-memory fakes with one Active
// listing priced at 100 and a funded buyer.
type fixture struct {
	svc      *Service
	pool     *fakePool
	store    *fakeStore
	listings *fakeListings
	funds    *fakeFunds
	cust     *fakeCustody
	stats    *fakeStats
	listed   listing.Listing
}

func newFixture(t *testing.T, feeBps int64, buyerBalance int64) *fixture {
	t.Helper()

	f := &fixture{
		pool:     &fakePool{},
		store:    newFakeStore(),
		listings: newFakeListings(),
		funds:    &fakeFunds{balances: map[string]int64{buyer: buyerBalance}},
		cust:     newFakeCustody(),
		stats:    &fakeStats{},
	}
	configs := &fakeConfigs{cfg: marketplace.Config{
		ID:         mkKey,
		Authority:  authority,
		Collection: "cards",
		FeeBps:     feeBps,
	}}

	seq := 0
	f.svc = NewService(f.pool, f.store, f.listings, f.funds, f.cust, configs, f.stats, &fakeRecorder{}).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("esc-%d", seq)
		})

	l := listing.Listing{
		ID:            "listing-row-1",
		Key:           keys.Listing(mkKey, "card-1"),
		MarketplaceID: mkKey,
		AssetID:       "card-1",
		Owner:         seller,
		Price:         100,
		VaultKey:      keys.Vault("listing-row-1"),
		Status:        listing.StatusActive,
	}
	f.listings.add(l)
	f.cust.holdings = map[string]string{"card-1": l.VaultKey}
	f.listed = l
	return f
}

func (f *fixture) totalFunds() int64 {
	var sum int64
	for _, v := range f.funds.balances {
		sum += v
	}
	return sum
}

func TestOpenPurchase_LocksFundsAndListing(t *testing.T) {
	f := newFixture(t, 250, 1000)
	ctx := context.Background()

	e, err := f.svc.OpenPurchase(ctx, buyer, f.listed.Key)
	if err != nil {
		t.Fatalf("open purchase: %v", err)
	}

	if e.LockedAmount != 100 {
		t.Errorf("expected locked amount 100, got %d", e.LockedAmount)
	}
	if e.Seller != seller || e.Buyer != buyer {
		t.Errorf("wrong parties: %+v", e)
	}
	if e.Key != keys.Escrow(f.listed.ID) {
		t.Errorf("expected derived escrow key, got %q", e.Key)
	}
	if f.funds.balances[buyer] != 900 {
		t.Errorf("expected buyer debited to 900, got %d", f.funds.balances[buyer])
	}
	if got := f.listings.status(f.listed.ID); got != listing.StatusPending {
		t.Errorf("expected listing Pending, got %s", got)
	}
	if !f.pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestOpenPurchase_OwnListingRejected(t *testing.T) {
	f := newFixture(t, 250, 1000)
	f.funds.balances[seller] = 1000

	_, err := f.svc.OpenPurchase(context.Background(), seller, f.listed.Key)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.funds.balances[seller] != 1000 {
		t.Error("seller balance must be untouched")
	}
}

func TestOpenPurchase_InsufficientFunds(t *testing.T) {
	f := newFixture(t, 250, 40)

	_, err := f.svc.OpenPurchase(context.Background(), buyer, f.listed.Key)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.listings.status(f.listed.ID); got != listing.StatusActive {
		t.Errorf("listing must stay Active, got %s", got)
	}
	if f.funds.balances[buyer] != 40 {
		t.Error("buyer balance must be untouched")
	}
}

func TestOpenPurchase_ListingNotActive(t *testing.T) {
	f := newFixture(t, 250, 1000)
	ctx := context.Background()

	if _, err := f.svc.OpenPurchase(ctx, buyer, f.listed.Key); err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	// A second buyer observes the Pending listing and fails cleanly.
	f.funds.balances["buyer-2"] = 1000
	_, err := f.svc.OpenPurchase(ctx, "buyer-2", f.listed.Key)
	if !errors.Is(err, listing.ErrNotFound) && !errors.Is(err, listing.ErrInvalidState) {
		t.Fatalf("expected invalid-state failure, got %v", err)
	}
	if f.funds.balances["buyer-2"] != 1000 {
		t.Error("losing buyer must not be debited")
	}
}

func TestRelease_HappyPath(t *testing.T) {
	f := newFixture(t, 250, 1000) // 2.5% fee
	ctx := context.Background()
	before := f.totalFunds()

	e, err := f.svc.OpenPurchase(ctx, buyer, f.listed.Key)
	if err != nil {
		t.Fatalf("open purchase: %v", err)
	}

	st, err := f.svc.Release(ctx, buyer, e.Key)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if st.Outcome != StatusReleased {
		t.Errorf("expected released outcome, got %s", st.Outcome)
	}
	if st.Fee != 2 || st.Payout != 98 {
		t.Errorf("expected fee 2 / payout 98, got fee %d / payout %d", st.Fee, st.Payout)
	}
	if f.funds.balances[seller] != 98 {
		t.Errorf("expected seller credited 98, got %d", f.funds.balances[seller])
	}
	if f.funds.balances[authority] != 2 {
		t.Errorf("expected authority credited fee 2, got %d", f.funds.balances[authority])
	}
	if f.funds.balances[buyer] != 900 {
		t.Errorf("expected buyer at 900, got %d", f.funds.balances[buyer])
	}
	if f.totalFunds() != before {
		t.Errorf("funds not conserved: before %d after %d", before, f.totalFunds())
	}
	if got := f.cust.holdings["card-1"]; got != buyer {
		t.Errorf("expected asset with buyer, held by %q", got)
	}
	if got := f.listings.status(f.listed.ID); got != listing.StatusSold {
		t.Errorf("expected listing Sold, got %s", got)
	}
	if f.stats.sales != 1 {
		t.Errorf("expected one recorded sale, got %d", f.stats.sales)
	}

	// Settlement is once-only: the refund path must not double-pay.
	if _, err := f.svc.Refund(ctx, buyer, e.Key); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled after release, got %v", err)
	}
	if _, err := f.svc.Release(ctx, buyer, e.Key); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled on repeat release, got %v", err)
	}
}

func TestRelease_NoFeeWhenZeroRate(t *testing.T) {
	f := newFixture(t, 0, 1000)
	ctx := context.Background()

	e, err := f.svc.OpenPurchase(ctx, buyer, f.listed.Key)
	if err != nil {
		t.Fatalf("open purchase: %v", err)
	}
	st, err := f.svc.Release(ctx, buyer, e.Key)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if st.Fee != 0 || st.Payout != 100 {
		t.Errorf("expected full payout, got fee %d payout %d", st.Fee, st.Payout)
	}
	if _, ok := f.funds.balances[authority]; ok {
		t.Error("authority must not be credited when fee is zero")
	}
}

func TestRelease_Authorization(t *testing.T) {
	f := newFixture(t, 250, 1000)
	ctx := context.Background()

	e, err := f.svc.OpenPurchase(ctx, buyer, f.listed.Key)
	if err != nil {
		t.Fatalf("open purchase: %v", err)
	}

	// The seller cannot release funds to themselves.
	if _, err := f.svc.Release(ctx, seller, e.Key); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for seller, got %v", err)
	}
	if _, err := f.svc.Release(ctx, "random", e.Key); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}

	// The marketplace authority resolves disputes.
	if _, err := f.svc.Release(ctx, authority, e.Key); err != nil {
		t.Fatalf("release by authority: %v", err)
	}
}

func TestRefund_RestoresBuyerAndListing(t *testing.T) {
	f := newFixture(t, 250, 1000)
	ctx := context.Background()
	before := f.totalFunds()

	e, err := f.svc.OpenPurchase(ctx, buyer, f.listed.Key)
	if err != nil {
		t.Fatalf("open purchase: %v", err)
	}

	st, err := f.svc.Refund(ctx, authority, e.Key)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	if st.Outcome != StatusRefunded || st.Fee != 0 || st.Payout != 100 {
		t.Errorf("unexpected settlement %+v", st)
	}
	if f.funds.balances[buyer] != 1000 {
		t.Errorf("expected buyer restored to 1000, got %d", f.funds.balances[buyer])
	}
	if f.totalFunds() != before {
		t.Errorf("funds not conserved on refund")
	}
	if got := f.cust.holdings["card-1"]; got != f.listed.VaultKey {
		t.Errorf("asset must remain in vault, held by %q", got)
	}
	if got := f.listings.status(f.listed.ID); got != listing.StatusActive {
		t.Errorf("expected listing back to Active, got %s", got)
	}

	if _, err := f.svc.Release(ctx, buyer, e.Key); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled after refund, got %v", err)
	}

	// The listing is purchasable again and the new escrow settles
	// independently of the refunded one.
	f.funds.balances["buyer-2"] = 500
	e2, err := f.svc.OpenPurchase(ctx, "buyer-2", f.listed.Key)
	if err != nil {
		t.Fatalf("second purchase after refund: %v", err)
	}
	if _, err := f.svc.Release(ctx, "buyer-2", e2.Key); err != nil {
		t.Fatalf("release second escrow: %v", err)
	}
}

func TestSettle_UnknownEscrow(t *testing.T) {
	f := newFixture(t, 250, 1000)

	if _, err := f.svc.Release(context.Background(), buyer, "no-such-key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- fakes ---

type fakeStore struct {
	byID map[string]*Escrow
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*Escrow)}
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error) {
	for _, existing := range f.byID {
		if existing.Key == e.Key && existing.Status == StatusOpen {
			return Escrow{}, ErrPurchaseInFlight
		}
	}
	cp := e
	f.byID[e.ID] = &cp
	return cp, nil
}

func (f *fakeStore) GetOpenByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (Escrow, error) {
	for _, e := range f.byID {
		if e.Key == key && e.Status == StatusOpen {
			return *e, nil
		}
	}
	return Escrow{}, ErrNotFound
}

func (f *fakeStore) WasSettled(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	for _, e := range f.byID {
		if e.Key == key && e.Status != StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Settle(ctx context.Context, tx pgx.Tx, id string, outcome Status, fee int64, settledBy string) (Escrow, error) {
	e, ok := f.byID[id]
	if !ok || e.Status != StatusOpen {
		return Escrow{}, ErrAlreadySettled
	}
	e.Status = outcome
	e.FeePaid = fee
	e.SettledBy = &settledBy
	return *e, nil
}

type fakeListings struct {
	byID map[string]*listing.Listing
}

func newFakeListings() *fakeListings {
	return &fakeListings{byID: make(map[string]*listing.Listing)}
}

func (f *fakeListings) add(l listing.Listing) { cp := l; f.byID[l.ID] = &cp }

func (f *fakeListings) status(id string) listing.Status { return f.byID[id].Status }

func (f *fakeListings) Insert(ctx context.Context, tx pgx.Tx, l listing.Listing) (listing.Listing, error) {
	cp := l
	f.byID[l.ID] = &cp
	return cp, nil
}

func (f *fakeListings) GetOpenByKeyForUpdate(ctx context.Context, tx pgx.Tx, key string) (listing.Listing, error) {
	for _, l := range f.byID {
		if l.Key == key && l.Status.Open() {
			return *l, nil
		}
	}
	return listing.Listing{}, listing.ErrNotFound
}

func (f *fakeListings) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (listing.Listing, error) {
	l, ok := f.byID[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	return *l, nil
}

func (f *fakeListings) GetByKey(ctx context.Context, key string) (listing.Listing, error) {
	for _, l := range f.byID {
		if l.Key == key {
			return *l, nil
		}
	}
	return listing.Listing{}, listing.ErrNotFound
}

func (f *fakeListings) ListByOwner(ctx context.Context, owner string, limit int) ([]listing.Listing, error) {
	out := []listing.Listing{}
	for _, l := range f.byID {
		if l.Owner == owner {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeListings) Transition(ctx context.Context, tx pgx.Tx, id string, from, to listing.Status) error {
	l, ok := f.byID[id]
	if !ok || l.Status != from || !listing.CanTransition(from, to) {
		return listing.ErrInvalidState
	}
	l.Status = to
	return nil
}

type fakeFunds struct {
	balances map[string]int64
}

func (f *fakeFunds) Debit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	if f.balances[identity] < amount {
		return ledger.ErrInsufficientFunds
	}
	f.balances[identity] -= amount
	return nil
}

func (f *fakeFunds) Credit(ctx context.Context, tx pgx.Tx, identity string, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	f.balances[identity] += amount
	return nil
}

type fakeCustody struct {
	holdings map[string]string
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{holdings: map[string]string{}}
}

func (f *fakeCustody) TransferIn(ctx context.Context, tx pgx.Tx, assetID, from, toVault string) error {
	return f.move(assetID, from, toVault)
}

func (f *fakeCustody) TransferOut(ctx context.Context, tx pgx.Tx, assetID, vault, to string) error {
	return f.move(assetID, vault, to)
}

func (f *fakeCustody) move(assetID, from, to string) error {
	if f.holdings[assetID] != from {
		return custody.ErrTransferFailed
	}
	f.holdings[assetID] = to
	return nil
}

func (f *fakeCustody) VerifyCollectionMembership(ctx context.Context, tx pgx.Tx, assetID, collection string) (bool, error) {
	return true, nil
}

type fakeConfigs struct {
	cfg marketplace.Config
}

func (f *fakeConfigs) GetTx(ctx context.Context, tx pgx.Tx, key string) (marketplace.Config, error) {
	if key != f.cfg.ID {
		return marketplace.Config{}, marketplace.ErrNotFound
	}
	return f.cfg, nil
}

type fakeStats struct {
	sales int
}

func (f *fakeStats) RecordSale(ctx context.Context, tx pgx.Tx, seller, buyer string) error {
	f.sales++
	return nil
}

type fakeRecorder struct{}

func (f *fakeRecorder) Append(ctx context.Context, tx pgx.Tx, entityKey, eventType string, actor *string, payload map[string]any) error {
	return nil
}

func (f *fakeRecorder) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
