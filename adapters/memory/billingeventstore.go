package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// BillingEventStore is an in-memory implementation of ports.BillingEventRepository.
type BillingEventStore struct {
	mu     sync.RWMutex
	events map[string]billing.Record
}

// NewBillingEventStore creates a new in-memory ledger.
func NewBillingEventStore() *BillingEventStore {
	return &BillingEventStore{events: make(map[string]billing.Record)}
}

// RecordIfNew inserts the record once per provider event ID.
func (s *BillingEventStore) RecordIfNew(ctx context.Context, rec billing.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[rec.ProviderEventID]; ok {
		return false, nil
	}
	s.events[rec.ProviderEventID] = rec
	return true, nil
}

// Get retrieves a ledger entry.
func (s *BillingEventStore) Get(ctx context.Context, providerEventID string) (billing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[providerEventID]
	if !ok {
		return billing.Record{}, fmt.Errorf("billing event %s: %w", providerEventID, ports.ErrNotFound)
	}
	return rec, nil
}

// List returns entries, newest first.
func (s *BillingEventStore) List(ctx context.Context, filter ports.EventFilter) ([]billing.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []billing.Record
	for _, rec := range s.events {
		if filter.Type != "" && rec.EventType != filter.Type {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ProviderEventID > out[j].ProviderEventID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of recorded events (for testing).
func (s *BillingEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Ensure interface compliance.
var _ ports.BillingEventRepository = (*BillingEventStore)(nil)
