// Package auth resolves staff credentials to verified identities. It
// provides a builtin provider (bcrypt passwords + HS256 JWTs) and an OIDC
// provider that validates externally issued tokens via JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/config"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrStaffExists        = errors.New("staff account already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// StaffIdentity is the verified result of credential resolution.
type StaffIdentity struct {
	SubjectID     string
	Email         string
	Name          string
	EmailVerified bool
	Roles         []string
}

// Resolver turns a bearer credential into a verified staff identity.
// Resolution is all-or-nothing: any verification failure returns
// ErrUnauthorized and no identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*StaffIdentity, error)
	Name() string
}

// Claims represents the JWT token claims issued by the builtin provider.
type Claims struct {
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Service is the builtin credential provider. It manages staff accounts in
// the store and issues HS256 tokens.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	initialAdmin *config.InitialAdmin
}

// NewService creates a new builtin auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		initialAdmin: cfg.InitialAdmin,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the initial admin account if configured and absent.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetStaffByEmail(ctx, admin.Email)
	if err != nil {
		return fmt.Errorf("check existing staff: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.UpsertStaff(ctx, &store.Staff{
		IdentityID:   uuid.New().String(),
		Email:        admin.Email,
		Roles:        []string{"admin", "support"},
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	})
}

// Login authenticates a staff member by email and password and returns a
// signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	st, err := s.store.GetStaffByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("get staff: %w", err)
	}
	if st == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(st.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(st)
}

// Register creates a new staff account.
func (s *Service) Register(ctx context.Context, email, password, name string, roles []string) (*store.Staff, error) {
	existing, err := s.store.GetStaffByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrStaffExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if len(roles) == 0 {
		roles = []string{"support"}
	}

	st := &store.Staff{
		IdentityID:   uuid.New().String(),
		Email:        email,
		Name:         name,
		Roles:        roles,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}

	if err := s.store.UpsertStaff(ctx, st); err != nil {
		return nil, fmt.Errorf("create staff: %w", err)
	}

	return st, nil
}

// Resolve validates a builtin-issued token and returns the staff identity.
// Builtin accounts are created by an admin, so their email counts as
// verified.
func (s *Service) Resolve(ctx context.Context, credential string) (*StaffIdentity, error) {
	claims, err := s.validateJWT(credential)
	if err != nil {
		return nil, err
	}
	return &StaffIdentity{
		SubjectID:     claims.Subject,
		Email:         claims.Email,
		Name:          claims.Name,
		EmailVerified: true,
		Roles:         claims.Roles,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(st *store.Staff) (string, error) {
	claims := &Claims{
		Email: st.Email,
		Name:  st.Name,
		Roles: st.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   st.IdentityID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
