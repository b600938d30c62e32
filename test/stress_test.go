package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"cardvault/custody"
	"cardvault/escrow"
	"cardvault/events"
	"cardvault/identity"
	"cardvault/ledger"
	"cardvault/listing"
	"cardvault/marketplace"
	"cardvault/test/actors"
	"cardvault/test/chaos"
	"cardvault/test/infra"
	"cardvault/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent traders")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const (
	collection   = "vintage-cards"
	startBalance = int64(10_000)
)

func TestMarketplaceConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("MARKET_TEST_PG_DSN") != "":
		dsn = os.Getenv("MARKET_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	m := newMarket(pool)
	seedData := mustSeed(t, ctx, m, *flConcurrency)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, addr := range seedData.traders {
		addr := addr
		g.Go(func() error {
			return actors.Trader(ctx2, m.listings, m.escrows, addr, seedData.marketplaceKey, seedData.assetIDs, stop)
		})
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
			total, err := oracles.FundsTotal(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("funds total: %v", err)
			}
			if total != seedData.totalFunds {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("funds not conserved: have %d, want %d (seed=%d)", total, seedData.totalFunds, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// market bundles the real service layer wired against the test pool.
type market struct {
	custody      *custody.PGRepository
	funds        *ledger.PGRepository
	identities   *identity.PGRepository
	marketplaces *marketplace.Service
	listings     *listing.Service
	escrows      *escrow.Service
}

func newMarket(pool *pgxpool.Pool) *market {
	identityRepo := identity.NewRepository(pool)
	marketplaceRepo := marketplace.NewRepository(pool)
	listingStore := listing.NewStore(pool)
	escrowStore := escrow.NewStore(pool)
	custodyRepo := custody.NewRepository(pool)
	fundsRepo := ledger.NewRepository(pool)
	recorder := events.NewRecorder()

	return &market{
		custody:      custodyRepo,
		funds:        fundsRepo,
		identities:   identityRepo,
		marketplaces: marketplace.NewService(marketplaceRepo),
		listings:     listing.NewService(pool, listingStore, custodyRepo, marketplaceRepo, identityRepo, recorder),
		escrows:      escrow.NewService(pool, escrowStore, listingStore, fundsRepo, custodyRepo, marketplaceRepo, identityRepo, recorder),
	}
}

type seedIDs struct {
	marketplaceKey string
	traders        []string
	assetIDs       []string
	totalFunds     int64
}

// mustSeed registers the traders, mints one verified asset per trader, lists
// each asset, and funds every wallet. The resulting funds total is the
// conservation oracle's fixed point.
func mustSeed(t *testing.T, ctx context.Context, m *market, n int) seedIDs {
	t.Helper()

	authority := fmt.Sprintf("authority-%d", rand.Int63())
	register := func(addr string) {
		if _, err := m.identities.Create(ctx, identity.CreateParams{Address: addr}); err != nil {
			t.Fatalf("seed identity %s: %v", addr, err)
		}
	}
	register(authority)

	cfg, err := m.marketplaces.Initialize(ctx, marketplace.InitializeParams{
		Authority:  authority,
		Collection: collection,
		FeeBps:     250,
	})
	if err != nil {
		t.Fatalf("seed marketplace: %v", err)
	}

	s := seedIDs{marketplaceKey: cfg.ID}
	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("trader-%d-%d", i, rand.Int63())
		register(addr)

		assetID := fmt.Sprintf("card-%d-%d", i, rand.Int63())
		if _, err := m.custody.Register(ctx, assetID, collection, addr, true); err != nil {
			t.Fatalf("seed asset %s: %v", assetID, err)
		}
		if _, err := m.listings.Create(ctx, listing.CreateParams{
			Seller:         addr,
			MarketplaceKey: cfg.ID,
			AssetID:        assetID,
			Price:          100,
		}); err != nil {
			t.Fatalf("seed listing for %s: %v", assetID, err)
		}
		if err := m.funds.Deposit(ctx, addr, startBalance); err != nil {
			t.Fatalf("seed balance for %s: %v", addr, err)
		}

		s.traders = append(s.traders, addr)
		s.assetIDs = append(s.assetIDs, assetID)
		s.totalFunds += startBalance
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"listings", `SELECT id, key, status, owner, price, updated_at FROM listings ORDER BY updated_at DESC LIMIT 50`},
		{"escrows", `SELECT id, key, status, buyer, locked_amount, fee_paid, settled_by FROM escrows ORDER BY created_at DESC LIMIT 50`},
		{"market_events", `SELECT id, entity_key, type, actor, created_at FROM market_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
