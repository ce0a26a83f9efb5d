package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// TenantStore is an in-memory implementation of ports.TenantRepository.
type TenantStore struct {
	mu         sync.RWMutex
	tenants    map[string]tenant.Tenant
	byCustomer map[string]string // customer id -> tenant id
}

// NewTenantStore creates a new in-memory tenant store.
func NewTenantStore() *TenantStore {
	return &TenantStore{
		tenants:    make(map[string]tenant.Tenant),
		byCustomer: make(map[string]string),
	}
}

// GetOrCreate returns the tenant, creating it as free/active if absent.
func (s *TenantStore) GetOrCreate(ctx context.Context, id string, now time.Time) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		t = tenant.New(id, now.UTC())
		s.tenants[id] = t
	}
	return t, nil
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id string) (tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, fmt.Errorf("tenant %s: %w", id, ports.ErrNotFound)
	}
	return t, nil
}

// GetByCustomerID retrieves a tenant by payment customer ID.
func (s *TenantStore) GetByCustomerID(ctx context.Context, customerID string) (tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCustomer[customerID]
	if !ok {
		return tenant.Tenant{}, fmt.Errorf("customer %s: %w", customerID, ports.ErrNotFound)
	}
	return s.tenants[id], nil
}

// AttachPaymentCustomer links a customer id to a tenant once.
func (s *TenantStore) AttachPaymentCustomer(ctx context.Context, id, customerID string, now time.Time) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, fmt.Errorf("tenant %s: %w", id, ports.ErrNotFound)
	}
	if t.PaymentCustomerID == customerID {
		return t, nil
	}
	if t.HasCustomer() {
		return tenant.Tenant{}, fmt.Errorf("tenant %s already linked to another customer: %w", id, ports.ErrConflict)
	}
	if owner, taken := s.byCustomer[customerID]; taken && owner != id {
		return tenant.Tenant{}, fmt.Errorf("customer %s belongs to %s: %w", customerID, owner, ports.ErrConflict)
	}

	t.PaymentCustomerID = customerID
	t.UpdatedAt = now.UTC()
	s.tenants[id] = t
	s.byCustomer[customerID] = id
	return t, nil
}

// ApplyTransition applies a transition under the store lock.
func (s *TenantStore) ApplyTransition(ctx context.Context, sel tenant.Selector, tr tenant.Transition, now time.Time) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	var t tenant.Tenant
	switch sel.Kind {
	case tenant.SelectByTenant:
		existing, ok := s.tenants[sel.Value]
		if !ok {
			existing = tenant.New(sel.Value, now)
		}
		t = existing
	case tenant.SelectByCustomer:
		id, ok := s.byCustomer[sel.Value]
		if !ok {
			return tenant.Tenant{}, fmt.Errorf("no tenant for %s: %w", sel, ports.ErrNotFound)
		}
		t = s.tenants[id]
		tr.CustomerID = ""
	default:
		return tenant.Tenant{}, fmt.Errorf("unknown selector kind %d", sel.Kind)
	}

	if tr.CustomerID != "" && tr.CustomerID != t.PaymentCustomerID {
		if owner, taken := s.byCustomer[tr.CustomerID]; taken && owner != t.ID {
			return tenant.Tenant{}, fmt.Errorf("customer %s belongs to %s: %w", tr.CustomerID, owner, ports.ErrConflict)
		}
		if t.HasCustomer() {
			delete(s.byCustomer, t.PaymentCustomerID)
		}
	}

	t = tenant.Apply(t, tr, now)
	s.tenants[t.ID] = t
	if t.HasCustomer() {
		s.byCustomer[t.PaymentCustomerID] = t.ID
	}
	return t, nil
}

// List returns tenants ordered by ID.
func (s *TenantStore) List(ctx context.Context, limit, offset int) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.TenantRepository = (*TenantStore)(nil)
