package listing

import "time"

// Listing is one asset offered for sale. Key is derived from the
// (marketplace, asset) pair and identifies the open listing; rows are never
// deleted, so a relisted asset gets a fresh row under the same key while the
// terminal row stays behind for audit. VaultKey names the custody slot owned
// by this row; no participant can move assets out of it except through the
// defined transitions.
type Listing struct {
	ID            string
	Key           string
	MarketplaceID string
	AssetID       string
	Owner         string
	Price         int64
	Metadata      string
	ImageURL      string
	VaultKey      string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateParams contains the input for listing an asset for sale.
type CreateParams struct {
	Seller         string
	MarketplaceKey string
	AssetID        string
	Price          int64
	Metadata       string
	ImageURL       string
}
