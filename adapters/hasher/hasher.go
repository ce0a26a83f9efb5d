// Package hasher hashes API keys at rest.
package hasher

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/artpar/tenantmeter/ports"
)

// maxInput is the longest secret bcrypt accepts.
const maxInput = 72

// Bcrypt hashes secrets with bcrypt. Safe for concurrent use.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher. Out-of-range costs fall back to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Cost returns the work factor in use.
func (h *Bcrypt) Cost() int { return h.cost }

// Hash returns the bcrypt hash of secret.
func (h *Bcrypt) Hash(secret string) ([]byte, error) {
	if len(secret) > maxInput {
		return nil, fmt.Errorf("hasher: secret is %d bytes, bcrypt accepts at most %d", len(secret), maxInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return nil, fmt.Errorf("hasher: %w", err)
	}
	return hash, nil
}

// Compare reports whether secret matches hash.
func (h *Bcrypt) Compare(hash []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

var _ ports.Hasher = (*Bcrypt)(nil)

// Plain stores secrets unhashed. Tests only.
type Plain struct{}

// Hash returns secret as bytes.
func (Plain) Hash(secret string) ([]byte, error) {
	return []byte(secret), nil
}

// Compare is plain equality.
func (Plain) Compare(hash []byte, secret string) bool {
	return string(hash) == secret
}

var _ ports.Hasher = Plain{}
