package identity

import "time"

// Record is the domain representation of a registered participant.
// It mirrors the identities table and carries the append-only stat counters
// mutated by the listing and escrow services; it should not include JSON
// annotations so it can be reused by different presentation layers.
type Record struct {
	ID                 string
	Address            string
	DisplayName        string
	PasswordHash       string
	ActiveListings     int
	SalesCompleted     int
	PurchasesCompleted int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RegisterRequest contains participant registration data supplied by callers.
type RegisterRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// LoginRequest contains participant login credentials.
type LoginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}
