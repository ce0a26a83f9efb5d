// Package key provides tenant API key value types and pure validation functions.
// The only I/O is crypto/rand in Generate.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultPrefix marks raw keys issued by this service.
const DefaultPrefix = "tm_"

// LookupLen is how many leading characters of a raw key are stored in clear for lookup.
const LookupLen = 12

// secretBytes of randomness follow the prefix, hex encoded.
const secretBytes = 32

// Key is a tenant API key (immutable value type). The raw key is never stored.
type Key struct {
	ID        string
	TenantID  string
	Hash      []byte // bcrypt hash of the full raw key
	Prefix    string // first LookupLen chars of the raw key
	Name      string
	ExpiresAt *time.Time // nil = never expires
	RevokedAt *time.Time // nil = not revoked
	CreatedAt time.Time
	LastUsed  *time.Time
}

// ValidationResult is the outcome of key validation.
type ValidationResult struct {
	Valid  bool
	Key    Key    // populated only if Valid
	Reason string // populated only if !Valid
}

// Reasons for validation failure.
const (
	ReasonValid     = ""
	ReasonNotFound  = "key_not_found"
	ReasonExpired   = "key_expired"
	ReasonRevoked   = "key_revoked"
	ReasonBadFormat = "invalid_format"
)

// Generate creates a raw key and its record for a tenant. Hash is left empty;
// the caller hashes raw before persisting.
func Generate(prefix, tenantID string, now time.Time) (raw string, k Key, err error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", Key{}, fmt.Errorf("generate random bytes: %w", err)
	}
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", Key{}, fmt.Errorf("generate id: %w", err)
	}

	raw = prefix + hex.EncodeToString(secret)
	k = Key{
		ID:        "key_" + hex.EncodeToString(idBytes),
		TenantID:  tenantID,
		Prefix:    raw[:LookupLen],
		CreatedAt: now.UTC(),
	}
	return raw, k, nil
}

// WithName returns a copy of the key with the Name set.
func (k Key) WithName(name string) Key {
	k.Name = strings.TrimSpace(name)
	return k
}

// WithExpiry returns a copy of the key expiring at t.
func (k Key) WithExpiry(t time.Time) Key {
	t = t.UTC()
	k.ExpiresAt = &t
	return k
}

// Active reports whether the key would authenticate at now.
func (k Key) Active(now time.Time) bool {
	return Validate(k, now).Valid
}

// Validate checks if a key is usable at the given time. Revocation wins over expiry.
func Validate(k Key, now time.Time) ValidationResult {
	if k.RevokedAt != nil {
		return ValidationResult{Reason: ReasonRevoked}
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return ValidationResult{Reason: ReasonExpired}
	}
	return ValidationResult{Valid: true, Key: k}
}

// ValidateFormat checks a raw key's shape and returns the lookup prefix.
func ValidateFormat(raw, expectedPrefix string) (prefix string, valid bool) {
	if !strings.HasPrefix(raw, expectedPrefix) {
		return "", false
	}
	secret := raw[len(expectedPrefix):]
	if len(secret) != 2*secretBytes {
		return "", false
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", false
	}
	if len(raw) < LookupLen {
		return "", false
	}
	return raw[:LookupLen], true
}
