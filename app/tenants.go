// Package app contains the application services: tenant registry, usage metering,
// the limit enforcement gate, billing reconciliation and checkout.
// Business rules live in domain/; I/O happens at the edges via injected ports.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// ErrTenantRequired is returned when a call carries no tenant id.
var ErrTenantRequired = errors.New("tenant id is required")

// TenantService is the tenant registry.
type TenantService struct {
	tenants ports.TenantRepository
	clock   ports.Clock
	logger  zerolog.Logger
}

// NewTenantService creates a new tenant service.
func NewTenantService(tenants ports.TenantRepository, clock ports.Clock, logger zerolog.Logger) *TenantService {
	return &TenantService{tenants: tenants, clock: clock, logger: logger}
}

// GetOrCreate returns the tenant, creating it as free/active on first sight.
func (s *TenantService) GetOrCreate(ctx context.Context, tenantID string) (tenant.Tenant, error) {
	if tenantID == "" {
		return tenant.Tenant{}, ErrTenantRequired
	}
	t, err := s.tenants.GetOrCreate(ctx, tenantID, s.clock.Now())
	if err != nil {
		return tenant.Tenant{}, fmt.Errorf("get or create tenant %s: %w", tenantID, err)
	}
	return t, nil
}

// Get returns the tenant or ports.ErrNotFound.
func (s *TenantService) Get(ctx context.Context, tenantID string) (tenant.Tenant, error) {
	return s.tenants.Get(ctx, tenantID)
}

// GetByCustomerID returns the tenant linked to a payment customer or ports.ErrNotFound.
func (s *TenantService) GetByCustomerID(ctx context.Context, customerID string) (tenant.Tenant, error) {
	return s.tenants.GetByCustomerID(ctx, customerID)
}

// AttachPaymentCustomer links a payment customer once. Re-attaching the same id is a no-op.
func (s *TenantService) AttachPaymentCustomer(ctx context.Context, tenantID, customerID string) (tenant.Tenant, error) {
	if tenantID == "" {
		return tenant.Tenant{}, ErrTenantRequired
	}
	if customerID == "" {
		return tenant.Tenant{}, errors.New("customer id is required")
	}
	t, err := s.tenants.AttachPaymentCustomer(ctx, tenantID, customerID, s.clock.Now())
	if err != nil {
		s.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("customer_id", customerID).
			Msg("attach payment customer failed")
		return tenant.Tenant{}, err
	}
	return t, nil
}

// ApplyPlanTransition normalizes and applies a transition.
func (s *TenantService) ApplyPlanTransition(ctx context.Context, sel tenant.Selector, tr tenant.Transition) (tenant.Tenant, error) {
	t, err := s.tenants.ApplyTransition(ctx, sel, tenant.Normalize(tr), s.clock.Now())
	if err != nil {
		return tenant.Tenant{}, err
	}
	s.logger.Info().
		Str("tenant_id", t.ID).
		Str("plan", string(t.Plan)).
		Str("status", string(t.Status)).
		Msg("tenant transition applied")
	return t, nil
}

// List returns tenants ordered by id.
func (s *TenantService) List(ctx context.Context, limit, offset int) ([]tenant.Tenant, error) {
	return s.tenants.List(ctx, limit, offset)
}
