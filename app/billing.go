package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// ErrInvalidPlan is returned for checkout to a plan that cannot be purchased.
var ErrInvalidPlan = errors.New("invalid plan")

// BillingConfig contains configuration for BillingService.
type BillingConfig struct {
	Prices          map[tenant.Plan]string // paid plan -> provider price id
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// BillingService starts hosted checkout and billing-portal sessions.
// Tenant state is never changed here beyond linking the payment customer;
// plan changes arrive through the Reconciler.
type BillingService struct {
	tenants  ports.TenantRepository
	provider ports.PaymentProvider
	clock    ports.Clock
	cfg      BillingConfig
	logger   zerolog.Logger
}

// NewBillingService creates a new billing service.
func NewBillingService(tenants ports.TenantRepository, provider ports.PaymentProvider, clock ports.Clock, cfg BillingConfig, logger zerolog.Logger) *BillingService {
	return &BillingService{tenants: tenants, provider: provider, clock: clock, cfg: cfg, logger: logger}
}

// Checkout returns a hosted checkout URL for upgrading the tenant to plan.
func (s *BillingService) Checkout(ctx context.Context, tenantID string, plan tenant.Plan) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	if !plan.IsPaid() {
		return "", fmt.Errorf("%w: %q is not a paid plan", ErrInvalidPlan, plan)
	}
	priceID := s.cfg.Prices[plan]
	if priceID == "" {
		return "", fmt.Errorf("%w: no price configured for %q", ErrInvalidPlan, plan)
	}

	t, err := s.tenants.GetOrCreate(ctx, tenantID, s.clock.Now())
	if err != nil {
		return "", fmt.Errorf("checkout for %s: %w", tenantID, err)
	}
	customerID, err := s.ensureCustomer(ctx, t)
	if err != nil {
		return "", err
	}

	url, err := s.provider.CreateCheckoutSession(ctx, ports.CheckoutRequest{
		TenantID:   tenantID,
		CustomerID: customerID,
		Plan:       plan,
		PriceID:    priceID,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Str("plan", string(plan)).Msg("checkout session failed")
		return "", err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("plan", string(plan)).Msg("checkout session created")
	return url, nil
}

// ensureCustomer returns the tenant's payment customer, creating and linking one
// if needed. A concurrent checkout that linked first wins.
func (s *BillingService) ensureCustomer(ctx context.Context, t tenant.Tenant) (string, error) {
	if t.HasCustomer() {
		return t.PaymentCustomerID, nil
	}
	created, err := s.provider.CreateCustomer(ctx, t.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("create payment customer failed")
		return "", err
	}

	linked, err := s.tenants.AttachPaymentCustomer(ctx, t.ID, created, s.clock.Now())
	if errors.Is(err, ports.ErrConflict) {
		linked, err = s.tenants.Get(ctx, t.ID)
		if err == nil && !linked.HasCustomer() {
			err = fmt.Errorf("customer %s for %s: %w", created, t.ID, ports.ErrConflict)
		}
		if err == nil {
			s.logger.Info().
				Str("tenant_id", t.ID).
				Str("orphan_customer_id", created).
				Str("customer_id", linked.PaymentCustomerID).
				Msg("concurrent checkout linked a customer first")
		}
	}
	if err != nil {
		return "", fmt.Errorf("link payment customer for %s: %w", t.ID, err)
	}
	return linked.PaymentCustomerID, nil
}

// Portal returns a billing portal URL. Tenants without a payment customer get ErrNotFound.
func (s *BillingService) Portal(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("portal for %s: %w", tenantID, err)
	}
	if !t.HasCustomer() {
		return "", fmt.Errorf("portal for %s: no payment customer: %w", tenantID, ports.ErrNotFound)
	}
	return s.provider.CreatePortalSession(ctx, t.PaymentCustomerID, s.cfg.PortalReturnURL)
}
