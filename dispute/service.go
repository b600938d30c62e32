package dispute

import (
	"context"
	"fmt"

	"cardvault/escrow"
	"cardvault/marketplace"
)

// Outcomes a resolver may hand down.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
)

// Settler is the slice of the escrow engine the dispute desk needs.
type Settler interface {
	Release(ctx context.Context, caller, escrowKey string) (escrow.Settlement, error)
	Refund(ctx context.Context, caller, escrowKey string) (escrow.Settlement, error)
}

// EscrowReader looks up escrows by their derived key.
type EscrowReader interface {
	GetByKey(ctx context.Context, key string) (escrow.Escrow, error)
}

// ConfigReader looks up marketplace configs by their derived key.
type ConfigReader interface {
	Get(ctx context.Context, key string) (marketplace.Config, error)
}

// Store is the dispute data access used by the service.
type Store interface {
	Create(ctx context.Context, claimant, escrowKey, reason string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, escrowKey string) ([]Record, error)
	MarkResolved(ctx context.Context, id, resolution string) (Record, error)
}

// Service is the dispute desk: buyers and sellers raise disputes against an
// open escrow, the marketplace authority hands down a verdict that settles
// it. The resolver capability is exactly the authority stored in the
// marketplace config the escrow belongs to.
type Service struct {
	repo    Store
	settler Settler
	escrows EscrowReader
	configs ConfigReader
}

func NewService(repo Store, settler Settler, escrows EscrowReader, configs ConfigReader) *Service {
	return &Service{repo: repo, settler: settler, escrows: escrows, configs: configs}
}

// Open raises a dispute against an open escrow. Only the buyer or seller of
// the escrow may raise one.
func (s *Service) Open(ctx context.Context, claimant, escrowKey, reason string) (Record, error) {
	if claimant == "" {
		return Record{}, fmt.Errorf("dispute: claimant is required")
	}
	return s.repo.Create(ctx, claimant, escrowKey, reason)
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// List returns the disputes raised against an escrow.
func (s *Service) List(ctx context.Context, escrowKey string) ([]Record, error) {
	return s.repo.List(ctx, escrowKey)
}

// Resolve settles the disputed escrow per the verdict and closes the
// dispute. Only the marketplace authority of the escrow's marketplace may
// resolve; the settlement itself is the escrow engine's single-transaction
// release or refund, so a crash between settling and marking the dispute
// resolved can only leave a resolved escrow with a stale open dispute, never
// a double settlement.
func (s *Service) Resolve(ctx context.Context, resolver, disputeID, outcome string) (Record, error) {
	if outcome != OutcomeRelease && outcome != OutcomeRefund {
		return Record{}, fmt.Errorf("dispute: unknown outcome %q", outcome)
	}

	rec, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusUnderReview {
		return Record{}, ErrBadStatus
	}

	e, err := s.escrows.GetByKey(ctx, rec.EscrowKey)
	if err != nil {
		return Record{}, err
	}
	cfg, err := s.configs.Get(ctx, e.MarketplaceID)
	if err != nil {
		return Record{}, err
	}
	if resolver != cfg.Authority {
		return Record{}, ErrForbidden
	}

	switch outcome {
	case OutcomeRelease:
		_, err = s.settler.Release(ctx, resolver, rec.EscrowKey)
	case OutcomeRefund:
		_, err = s.settler.Refund(ctx, resolver, rec.EscrowKey)
	}
	if err != nil {
		return Record{}, err
	}

	return s.repo.MarkResolved(ctx, disputeID, outcome)
}
