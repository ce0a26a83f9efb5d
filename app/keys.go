package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/ports"
)

// ErrInvalidKey matches every KeyError.
var ErrInvalidKey = errors.New("invalid api key")

// KeyError reports why an API key did not authenticate.
type KeyError struct {
	Reason string // one of the key.Reason* codes
}

func (e *KeyError) Error() string { return ErrInvalidKey.Error() + ": " + e.Reason }

// Is makes errors.Is(err, ErrInvalidKey) hold.
func (e *KeyError) Is(target error) bool { return target == ErrInvalidKey }

// KeyReason returns the reason code carried by err, or "" if err is not a KeyError.
func KeyReason(err error) string {
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke.Reason
	}
	return ""
}

// KeyDeps are the ports the key service needs.
type KeyDeps struct {
	Keys    ports.KeyRepository
	Tenants ports.TenantRepository
	Hasher  ports.Hasher
	Clock   ports.Clock
}

// KeyService issues and authenticates tenant API keys.
type KeyService struct {
	keys    ports.KeyRepository
	tenants ports.TenantRepository
	hasher  ports.Hasher
	clock   ports.Clock
	prefix  string
	logger  zerolog.Logger
}

// NewKeyService creates a key service issuing keys with prefix (key.DefaultPrefix when empty).
func NewKeyService(deps KeyDeps, prefix string, logger zerolog.Logger) *KeyService {
	if prefix == "" {
		prefix = key.DefaultPrefix
	}
	return &KeyService{
		keys:    deps.Keys,
		tenants: deps.Tenants,
		hasher:  deps.Hasher,
		clock:   deps.Clock,
		prefix:  prefix,
		logger:  logger,
	}
}

// CreateKeyRequest describes a new key.
type CreateKeyRequest struct {
	TenantID string
	Name     string
	TTL      time.Duration // 0 = never expires
}

// Create issues a key for the tenant, creating the tenant on first sight.
// The raw key is returned once and never stored.
func (s *KeyService) Create(ctx context.Context, req CreateKeyRequest) (raw string, k key.Key, err error) {
	if req.TenantID == "" {
		return "", key.Key{}, ErrTenantRequired
	}
	if req.TTL < 0 {
		return "", key.Key{}, errors.New("key ttl must not be negative")
	}
	now := s.clock.Now()
	if _, err := s.tenants.GetOrCreate(ctx, req.TenantID, now); err != nil {
		return "", key.Key{}, fmt.Errorf("get or create tenant %s: %w", req.TenantID, err)
	}

	raw, k, err = key.Generate(s.prefix, req.TenantID, now)
	if err != nil {
		return "", key.Key{}, err
	}
	k = k.WithName(req.Name)
	if req.TTL > 0 {
		k = k.WithExpiry(now.Add(req.TTL))
	}
	if k.Hash, err = s.hasher.Hash(raw); err != nil {
		return "", key.Key{}, fmt.Errorf("hash key: %w", err)
	}
	if err := s.keys.Create(ctx, k); err != nil {
		return "", key.Key{}, fmt.Errorf("store key: %w", err)
	}

	s.logger.Info().
		Str("tenant_id", k.TenantID).
		Str("key_id", k.ID).
		Str("key_prefix", k.Prefix).
		Msg("api key created")
	return raw, k, nil
}

// List returns the tenant's keys, newest first.
func (s *KeyService) List(ctx context.Context, tenantID string) ([]key.Key, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return s.keys.ListByTenant(ctx, tenantID)
}

// Revoke disables one of the tenant's keys. Other tenants' keys report ports.ErrNotFound.
func (s *KeyService) Revoke(ctx context.Context, tenantID, id string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if err := s.keys.Revoke(ctx, tenantID, id, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("key_id", id).Msg("api key revoked")
	return nil
}

// Authenticate resolves a raw key to its record. A key that fails to
// authenticate yields a *KeyError; store failures pass through.
func (s *KeyService) Authenticate(ctx context.Context, raw string) (key.Key, error) {
	prefix, ok := key.ValidateFormat(raw, s.prefix)
	if !ok {
		return key.Key{}, &KeyError{Reason: key.ReasonBadFormat}
	}

	candidates, err := s.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		return key.Key{}, fmt.Errorf("lookup key: %w", err)
	}

	var matched *key.Key
	for i := range candidates {
		if s.hasher.Compare(candidates[i].Hash, raw) {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		return key.Key{}, &KeyError{Reason: key.ReasonNotFound}
	}

	now := s.clock.Now()
	result := key.Validate(*matched, now)
	if !result.Valid {
		return key.Key{}, &KeyError{Reason: result.Reason}
	}

	// Best effort: a failed stamp must not fail the request.
	if err := s.keys.UpdateLastUsed(ctx, matched.ID, now); err != nil {
		s.logger.Debug().Err(err).Str("key_id", matched.ID).Msg("update key last used failed")
	}
	return result.Key, nil
}
