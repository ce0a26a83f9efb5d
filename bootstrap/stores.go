package bootstrap

import (
	"context"
	"errors"
	"fmt"

	apihttp "github.com/artpar/tenantmeter/adapters/http"
	"github.com/artpar/tenantmeter/adapters/postgres"
	"github.com/artpar/tenantmeter/adapters/redis"
	"github.com/artpar/tenantmeter/adapters/sqlite"
	"github.com/artpar/tenantmeter/config"
	"github.com/artpar/tenantmeter/ports"
)

// Stores holds the repositories selected by configuration.
type Stores struct {
	Tenants ports.TenantRepository
	Usage   ports.UsageRepository
	Events  ports.BillingEventRepository
	Keys    ports.KeyRepository

	// Checks are readiness checks for every backing service.
	Checks []apihttp.HealthCheck

	closers []func() error
}

// OpenStores connects the durable store, runs migrations and selects the usage
// backend. Tenants, API keys and the billing ledger always live in the database; usage
// counters live there too unless usage.backend is redis.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}

	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.Tenants = sqlite.NewTenantStore(db)
		s.Usage = sqlite.NewUsageStore(db)
		s.Events = sqlite.NewBillingEventStore(db)
		s.Keys = sqlite.NewKeyStore(db)
		s.Checks = append(s.Checks, apihttp.HealthCheck{Name: "database", Check: db.PingContext})
		s.closers = append(s.closers, db.Close)

	case "postgres":
		db, err := postgres.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.Tenants = postgres.NewTenantStore(db)
		s.Usage = postgres.NewUsageStore(db)
		s.Events = postgres.NewBillingEventStore(db)
		s.Keys = postgres.NewKeyStore(db)
		s.Checks = append(s.Checks, apihttp.HealthCheck{Name: "database", Check: db.PingContext})
		s.closers = append(s.closers, db.Close)

	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Database.Driver)
	}

	if cfg.Usage.Backend == "redis" {
		store, err := redis.Dial(ctx, cfg.Usage.RedisURL, cfg.Usage.RedisPrefix)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Usage = store
		s.Checks = append(s.Checks, apihttp.HealthCheck{Name: "redis", Check: store.Ping})
		s.closers = append(s.closers, store.Close)
	}

	return s, nil
}

// Close closes every backing connection, newest first.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
