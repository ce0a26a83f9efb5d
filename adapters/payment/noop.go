package payment

import (
	"context"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// NoopProvider is used when payments are disabled. Every operation fails with
// ports.ErrProviderNotConfigured.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

func (p *NoopProvider) CreateCustomer(ctx context.Context, tenantID string) (string, error) {
	return "", ports.ErrProviderNotConfigured
}

func (p *NoopProvider) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	return "", ports.ErrProviderNotConfigured
}

func (p *NoopProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", ports.ErrProviderNotConfigured
}

func (p *NoopProvider) ParseWebhook(payload []byte, signature string) (billing.Event, error) {
	return nil, ports.ErrProviderNotConfigured
}

func (p *NoopProvider) DecodeEvent(id, eventType string, payload []byte) (billing.Event, error) {
	return nil, ports.ErrProviderNotConfigured
}

func (p *NoopProvider) SignatureHeader() string {
	return SignatureHeader
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*NoopProvider)(nil)
