package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/ports"
)

// KeyStore is an in-memory implementation of ports.KeyRepository.
type KeyStore struct {
	mu       sync.RWMutex
	keys     map[string]key.Key  // id -> key
	byPrefix map[string][]string // prefix -> ids
}

// NewKeyStore creates a new in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:     make(map[string]key.Key),
		byPrefix: make(map[string][]string),
	}
}

// Create inserts a key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("key %s: %w", k.ID, ports.ErrConflict)
	}
	s.keys[k.ID] = k
	s.byPrefix[k.Prefix] = append(s.byPrefix[k.Prefix], k.ID)
	return nil
}

// GetByPrefix returns every key sharing a lookup prefix.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPrefix[prefix]
	out := make([]key.Key, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.keys[id])
	}
	return out, nil
}

// ListByTenant returns a tenant's keys, newest first.
func (s *KeyStore) ListByTenant(ctx context.Context, tenantID string) ([]key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []key.Key
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Revoke stamps revoked_at on a tenant's key.
func (s *KeyStore) Revoke(ctx context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.TenantID != tenantID {
		return fmt.Errorf("key %s: %w", id, ports.ErrNotFound)
	}
	if k.RevokedAt == nil {
		at = at.UTC()
		k.RevokedAt = &at
		s.keys[id] = k
	}
	return nil
}

// UpdateLastUsed records when a key last authenticated.
func (s *KeyStore) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("key %s: %w", id, ports.ErrNotFound)
	}
	at = at.UTC()
	k.LastUsed = &at
	s.keys[id] = k
	return nil
}

var _ ports.KeyRepository = (*KeyStore)(nil)
