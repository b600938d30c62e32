package main

import (
	"context"
	"log"
	"os"

	"cardvault/custody"
	"cardvault/db"
	"cardvault/dispute"
	"cardvault/escrow"
	"cardvault/events"
	"cardvault/identity"
	"cardvault/ledger"
	"cardvault/listing"
	"cardvault/marketplace"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	identityRepo := identity.NewRepository(pool)
	marketplaceRepo := marketplace.NewRepository(pool)
	listingStore := listing.NewStore(pool)
	escrowStore := escrow.NewStore(pool)
	custodyRepo := custody.NewRepository(pool)
	fundsRepo := ledger.NewRepository(pool)
	recorder := events.NewRecorder()

	identityService := identity.NewService(identityRepo, jwtSecret)
	marketplaceService := marketplace.NewService(marketplaceRepo)
	listingService := listing.NewService(pool, listingStore, custodyRepo, marketplaceRepo, identityRepo, recorder)
	escrowService := escrow.NewService(pool, escrowStore, listingStore, fundsRepo, custodyRepo, marketplaceRepo, identityRepo, recorder)
	disputeService := dispute.NewService(dispute.NewRepository(pool), escrowService, escrowStore, marketplaceRepo)

	log.Printf("cardvault services ready: identity=%t marketplace=%t listing=%t escrow=%t dispute=%t",
		identityService != nil, marketplaceService != nil, listingService != nil, escrowService != nil, disputeService != nil)
}
