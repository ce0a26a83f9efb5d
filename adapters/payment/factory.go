package payment

import (
	"fmt"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// Config selects and configures a payment provider.
type Config struct {
	Provider      string // stripe, dummy, none
	SecretKey     string
	WebhookSecret string
	Prices        map[tenant.Plan]string
}

// NewProvider creates a payment provider based on configuration.
func NewProvider(cfg Config) (ports.PaymentProvider, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("stripe webhook secret is required")
		}
		return NewStripeProvider(StripeConfig{
			SecretKey:     cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
			Prices:        cfg.Prices,
		}), nil

	case "dummy", "test":
		return NewDummyProvider(cfg.WebhookSecret), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}
