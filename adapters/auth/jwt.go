// Package auth verifies identity-provider tokens. Verification is stateless:
// any instance holding the shared secret can authenticate any request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/artpar/tenantmeter/domain/tenant"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the identity claims the subsystem relies on.
// sub is the user id; org_id is present when the user acts for an organization.
type Claims struct {
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller. Token callers carry UserID (and OrgID);
// API key callers carry the key's Tenant and KeyID instead.
type Principal struct {
	UserID string
	OrgID  string
	Tenant string
	KeyID  string
}

// KeyPrincipal is the principal of a caller holding an API key.
func KeyPrincipal(tenantID, keyID string) Principal {
	return Principal{Tenant: tenantID, KeyID: keyID}
}

// TenantID resolves the tenant the principal acts for.
func (p Principal) TenantID() string {
	if p.Tenant != "" {
		return p.Tenant
	}
	return tenant.ResolveID(p.UserID, p.OrgID)
}

// TokenService verifies and (for local tooling) issues HS256 identity tokens.
// Thread-safe and suitable for concurrent use.
type TokenService struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *TokenService) { s.issuer = issuer }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(s *TokenService) { s.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates a token service. The secret must not be empty.
func NewTokenService(secret string, opts ...Option) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	s := &TokenService{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Verify validates a token and returns its principal.
func (s *TokenService) Verify(tokenString string) (Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, parserOpts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return Principal{UserID: claims.Subject, OrgID: claims.OrgID}, nil
}

// Issue signs a token for a principal. Used by the CLI for local testing; production
// tokens come from the identity provider.
func (s *TokenService) Issue(p Principal, ttl time.Duration) (string, time.Time, error) {
	if p.UserID == "" {
		return "", time.Time{}, errors.New("auth: user id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	claims := Claims{
		OrgID: p.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
