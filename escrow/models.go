package escrow

import "time"

// Status represents the settlement state of an escrow. An escrow is created
// open and settles exactly once, to released or refunded.
type Status string

const (
	StatusOpen     Status = "open"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Escrow holds a buyer's funds in trust between purchase initiation and
// final settlement. Key is derived from the listing row the escrow
// references; the partial unique index over open rows guarantees at most one
// in-flight purchase per listing.
type Escrow struct {
	ID            string
	Key           string
	ListingID     string
	ListingKey    string
	MarketplaceID string
	Seller        string
	Buyer         string
	LockedAmount  int64
	Status        Status
	FeePaid       int64
	SettledBy     *string
	SettledAt     *time.Time
	CreatedAt     time.Time
}

// Settlement summarizes the single closing movement of an escrow. The locked
// amount is conserved: Payout + Fee always equals the amount deposited, and
// everything goes to exactly one of {seller, buyer}.
type Settlement struct {
	EscrowKey string
	Outcome   Status
	Payout    int64
	Fee       int64
	SettledBy string
	SettledAt time.Time
}
