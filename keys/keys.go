// Package keys derives deterministic record keys from public identifiers.
// Any party can recompute the key of a marketplace, listing, vault or escrow
// from the identifiers alone; no key is ever stored as the source of truth.
package keys

import "github.com/google/uuid"

// Fixed namespaces. Changing any of these is a breaking change to every
// derived address in an existing deployment.
var (
	nsIdentity    = uuid.MustParse("8f9e2b31-6a54-4d0c-9b1f-0c3a7d5e8a01")
	nsMarketplace = uuid.MustParse("8f9e2b31-6a54-4d0c-9b1f-0c3a7d5e8a02")
	nsListing     = uuid.MustParse("8f9e2b31-6a54-4d0c-9b1f-0c3a7d5e8a03")
	nsVault       = uuid.MustParse("8f9e2b31-6a54-4d0c-9b1f-0c3a7d5e8a04")
	nsEscrow      = uuid.MustParse("8f9e2b31-6a54-4d0c-9b1f-0c3a7d5e8a05")
)

// Identity returns the registry key for a participant address.
func Identity(address string) string {
	return uuid.NewSHA1(nsIdentity, []byte(address)).String()
}

// Marketplace returns the config key owned by an authority address.
func Marketplace(authority string) string {
	return uuid.NewSHA1(nsMarketplace, []byte(authority)).String()
}

// Listing returns the key for the (marketplace, asset) pair. At most one
// open listing may exist under this key at a time.
func Listing(marketplaceKey, assetID string) string {
	return uuid.NewSHA1(nsListing, []byte(marketplaceKey+"/"+assetID)).String()
}

// Vault returns the custody slot key owned by a listing row.
func Vault(listingID string) string {
	return uuid.NewSHA1(nsVault, []byte(listingID)).String()
}

// Escrow returns the escrow key for a listing row.
func Escrow(listingID string) string {
	return uuid.NewSHA1(nsEscrow, []byte(listingID)).String()
}
