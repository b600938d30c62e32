package marketplace

import (
	"context"
	"errors"
	"fmt"

	"cardvault/keys"
)

var (
	// ErrInvalidFee signals a fee outside [0, MaxFeeBps] basis points.
	ErrInvalidFee = errors.New("marketplace: invalid fee")
	// ErrUnauthorized signals the caller is not the stored authority.
	ErrUnauthorized = errors.New("marketplace: unauthorized")
)

// Service exposes marketplace configuration operations.
type Service struct {
	repo Repository
}

// NewService builds a Service using the provided repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// InitializeParams contains the one-time marketplace setup input.
type InitializeParams struct {
	Authority  string
	Collection string
	FeeBps     int64
}

// Initialize creates the marketplace config owned by the authority. Each
// authority owns exactly one marketplace namespace.
func (s *Service) Initialize(ctx context.Context, params InitializeParams) (Config, error) {
	if params.Authority == "" {
		return Config{}, fmt.Errorf("marketplace: authority is required")
	}
	if params.Collection == "" {
		return Config{}, fmt.Errorf("marketplace: collection is required")
	}
	if params.FeeBps < 0 || params.FeeBps > MaxFeeBps {
		return Config{}, ErrInvalidFee
	}

	return s.repo.Create(ctx, Config{
		Authority:  params.Authority,
		Collection: params.Collection,
		FeeBps:     params.FeeBps,
	})
}

// Get retrieves the config by its derived key.
func (s *Service) Get(ctx context.Context, key string) (Config, error) {
	return s.repo.Get(ctx, key)
}

// GetByAuthority retrieves the config owned by an authority address.
func (s *Service) GetByAuthority(ctx context.Context, authority string) (Config, error) {
	return s.repo.Get(ctx, keys.Marketplace(authority))
}

// UpdateFee changes the fee rate. Only the stored authority may call it.
func (s *Service) UpdateFee(ctx context.Context, caller string, marketplaceKey string, feeBps int64) (Config, error) {
	if feeBps < 0 || feeBps > MaxFeeBps {
		return Config{}, ErrInvalidFee
	}

	cfg, err := s.repo.Get(ctx, marketplaceKey)
	if err != nil {
		return Config{}, err
	}
	if cfg.Authority != caller {
		return Config{}, ErrUnauthorized
	}

	return s.repo.UpdateFee(ctx, marketplaceKey, feeBps)
}
