package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ResourceTokenPrefix marks resource tokens so they never parse as sessions
	ResourceTokenPrefix = "etl."
	// DefaultSessionTTL is the lifetime of a login session
	DefaultSessionTTL = 16 * time.Hour
	// MinSecretLength is the minimum signing secret size in bytes
	MinSecretLength = 32

	useSession  = "session"
	useResource = "resource"
)

// TokenConfig holds token signing settings
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	SessionTTL time.Duration
}

// TokenService mints and parses session and resource tokens
type TokenService struct {
	secret     []byte
	issuer     string
	sessionTTL time.Duration
	now        func() time.Time
}

type sessionClaims struct {
	Use          string      `json:"use"`
	Access       AccessLevel `json:"access"`
	Email        string      `json:"email"`
	Impersonator string      `json:"impersonator,omitempty"`
	jwt.RegisteredClaims
}

type resourceClaims struct {
	Use      string       `json:"use"`
	Kind     ResourceKind `json:"kind"`
	ID       string       `json:"id"`
	Internal bool         `json:"internal,omitempty"`
	jwt.RegisteredClaims
}

// NewTokenService creates a token service
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "takgate"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &TokenService{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		sessionTTL: cfg.SessionTTL,
		now:        time.Now,
	}, nil
}

// IssueSession mints a session token for user
func (s *TokenService) IssueSession(user AuthUser) (string, time.Time, error) {
	if user.Email == "" || !user.Access.Valid() {
		return "", time.Time{}, errors.New("session requires an email and a valid access level")
	}

	now := s.now()
	expires := now.Add(s.sessionTTL)
	claims := sessionClaims{
		Use:          useSession,
		Access:       user.Access,
		Email:        user.Email,
		Impersonator: user.ImpersonatorEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expires, nil
}

// IssueResource mints a resource token. A zero ttl never expires.
func (s *TokenService) IssueResource(kind ResourceKind, id string, internal bool, ttl time.Duration) (string, error) {
	if !resourceKinds[kind] || id == "" {
		return "", errors.New("resource token requires a known kind and an id")
	}

	now := s.now()
	claims := resourceClaims{
		Use:      useResource,
		Kind:     kind,
		ID:       id,
		Internal: internal,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  string(kind) + ":" + id,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign resource token: %w", err)
	}
	return ResourceTokenPrefix + signed, nil
}

// IsResourceToken reports whether raw belongs to the resource token family
func IsResourceToken(raw string) bool {
	return strings.HasPrefix(raw, ResourceTokenPrefix)
}

// ParseSession validates a session token
func (s *TokenService) ParseSession(raw string) (*AuthUser, error) {
	if IsResourceToken(raw) {
		return nil, ErrUnauthorized
	}

	var claims sessionClaims
	if err := s.parse(raw, &claims, jwt.WithExpirationRequired()); err != nil {
		return nil, err
	}
	if claims.Use != useSession || claims.Email == "" || !claims.Access.Valid() {
		return nil, ErrUnauthorized
	}

	return &AuthUser{
		Access:            claims.Access,
		Email:             claims.Email,
		ImpersonatorEmail: claims.Impersonator,
	}, nil
}

// ParseResource validates a resource token including its prefix
func (s *TokenService) ParseResource(raw string) (*AuthResource, error) {
	if !IsResourceToken(raw) {
		return nil, ErrUnauthorized
	}

	var claims resourceClaims
	if err := s.parse(strings.TrimPrefix(raw, ResourceTokenPrefix), &claims); err != nil {
		return nil, err
	}
	if claims.Use != useResource || !resourceKinds[claims.Kind] || claims.ID == "" {
		return nil, ErrUnauthorized
	}

	return &AuthResource{
		Kind:     claims.Kind,
		ID:       claims.ID,
		Token:    raw,
		Internal: claims.Internal,
	}, nil
}

func (s *TokenService) parse(raw string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	return nil
}
