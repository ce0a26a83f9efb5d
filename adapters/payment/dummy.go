package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// DummyProvider is an offline provider for development and demos.
// Hosted pages redirect straight back to the caller's URLs, and webhooks use the
// Stripe wire format so locally signed fixtures exercise the real reconcile path.
// With an empty webhook secret, signatures are not checked.
type DummyProvider struct {
	webhookSecret string
	decoder       eventDecoder
}

// NewDummyProvider creates a new dummy payment provider.
func NewDummyProvider(webhookSecret string) *DummyProvider {
	return &DummyProvider{webhookSecret: webhookSecret, decoder: newEventDecoder(nil)}
}

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// CreateCustomer returns a fake customer id.
func (p *DummyProvider) CreateCustomer(ctx context.Context, tenantID string) (string, error) {
	return "cus_dummy_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14], nil
}

// CreateCheckoutSession skips checkout and redirects to the success URL.
func (p *DummyProvider) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	u, err := url.Parse(req.SuccessURL)
	if err != nil {
		return "", fmt.Errorf("parse success url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", "cs_dummy_"+uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CreatePortalSession returns the return URL (no external portal).
func (p *DummyProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return returnURL, nil
}

// ParseWebhook decodes a Stripe-format event, verifying the signature when a secret is set.
func (p *DummyProvider) ParseWebhook(payload []byte, signature string) (billing.Event, error) {
	if p.webhookSecret != "" {
		return verifyAndDecode(p.decoder, payload, signature, p.webhookSecret)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", billing.ErrMalformed, err)
	}
	return p.decoder.decode(event.ID, string(event.Type), dataObject(event))
}

// DecodeEvent decodes a stored data.object payload.
func (p *DummyProvider) DecodeEvent(id, eventType string, payload []byte) (billing.Event, error) {
	return p.decoder.decode(id, eventType, payload)
}

// SignatureHeader returns the header carrying the webhook signature.
func (p *DummyProvider) SignatureHeader() string {
	return SignatureHeader
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*DummyProvider)(nil)
