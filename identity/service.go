package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong address or password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
)

// Service handles the identity registry and caller authentication.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain record returned after a successful login.
type LoginResult struct {
	Token  string
	Record Record
}

// NewService creates a new identity service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a zero-initialized registry record for the address.
// Registering the same address twice fails with ErrAlreadyRegistered.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Record, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("identity: address is required")
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	rec, err := s.repo.Create(ctx, CreateParams{
		Address:      req.Address,
		DisplayName:  req.DisplayName,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get retrieves the registry record for an address.
func (s *Service) Get(ctx context.Context, address string) (*Record, error) {
	rec, err := s.repo.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Login authenticates a participant and returns a JWT token whose subject is
// the participant address.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	rec, err := s.repo.GetByAddress(ctx, req.Address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(rec.Address)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}

	return LoginResult{Token: token, Record: rec}, nil
}

// VerifyToken validates a JWT token and returns the participant address.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		address, ok := claims["sub"].(string)
		if !ok || address == "" {
			return "", fmt.Errorf("identity: invalid subject in token")
		}
		return address, nil
	}

	return "", fmt.Errorf("identity: invalid token")
}

func (s *Service) generateToken(address string) (string, error) {
	claims := jwt.MapClaims{
		"sub": address,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
