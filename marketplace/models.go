package marketplace

import "time"

// MaxFeeBps is the fee ceiling: 10000 basis points = 100%.
const MaxFeeBps = 10000

// Config holds marketplace-wide policy. One config exists per authority,
// addressed by a key derived from the authority address. Immutable after
// creation except for fee updates by the authority.
type Config struct {
	ID         string
	Authority  string
	Collection string
	FeeBps     int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fee returns the marketplace cut of amount, rounded down.
func (c Config) Fee(amount int64) int64 {
	return amount * c.FeeBps / MaxFeeBps
}
