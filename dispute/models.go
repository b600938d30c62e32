package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Record mirrors the disputes table. A dispute is raised by a party to an
// open escrow and resolved by the marketplace authority, whose verdict
// settles the escrow one way or the other.
type Record struct {
	ID         string
	EscrowKey  string
	Claimant   string
	Reason     string
	Status     Status
	Resolution *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}
