// Package payment provides payment provider adapters.
package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// Metadata keys written on customers, checkout sessions and subscriptions.
const (
	MetadataTenantID = "tenantId"
	MetadataPlan     = "plan"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Prices maps paid plans to Stripe price ids. Used to infer the plan of a
	// subscription whose metadata is stale after a portal plan switch.
	Prices map[tenant.Plan]string
}

// StripeProvider implements ports.PaymentProvider for Stripe.
type StripeProvider struct {
	config  StripeConfig
	decoder eventDecoder
}

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	stripe.Key = config.SecretKey
	return &StripeProvider{config: config, decoder: newEventDecoder(config.Prices)}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// CreateCustomer creates a customer in Stripe tagged with the tenant id.
func (p *StripeProvider) CreateCustomer(ctx context.Context, tenantID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata(MetadataTenantID, tenantID)

	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer for %s: %w", tenantID, err)
	}
	return c.ID, nil
}

// CreateCheckoutSession creates a subscription-mode Stripe Checkout session.
// The tenant and plan ride along as metadata on both the session and the subscription.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	meta := map[string]string{
		MetadataTenantID: req.TenantID,
		MetadataPlan:     string(req.Plan),
	}
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(req.CustomerID),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	s, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe checkout for %s: %w", req.TenantID, err)
	}
	return s.URL, nil
}

// CreatePortalSession creates a customer portal session.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe portal session: %w", err)
	}
	return s.URL, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (billing.Event, error) {
	return verifyAndDecode(p.decoder, payload, signature, p.config.WebhookSecret)
}

// DecodeEvent decodes a stored data.object payload.
func (p *StripeProvider) DecodeEvent(id, eventType string, payload []byte) (billing.Event, error) {
	return p.decoder.decode(id, eventType, payload)
}

// SignatureHeader returns the header carrying the webhook signature.
func (p *StripeProvider) SignatureHeader() string {
	return SignatureHeader
}

func verifyAndDecode(d eventDecoder, payload []byte, signature, secret string) (billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrSignatureVerification, err)
	}
	return d.decode(event.ID, string(event.Type), dataObject(event))
}

// dataObject returns the raw data.object, or JSON null when the event has none.
func dataObject(event stripe.Event) []byte {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return []byte("null")
	}
	return event.Data.Raw
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*StripeProvider)(nil)
