package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// MeteringService reads and advances period-scoped usage counters.
type MeteringService struct {
	usage   ports.UsageRepository
	tenants ports.TenantRepository
	limits  ports.LimitSource
	clock   ports.Clock
	logger  zerolog.Logger
}

// MeteringDeps contains dependencies for MeteringService.
type MeteringDeps struct {
	Usage   ports.UsageRepository
	Tenants ports.TenantRepository
	Limits  ports.LimitSource
	Clock   ports.Clock
}

// NewMeteringService creates a new metering service.
func NewMeteringService(deps MeteringDeps, logger zerolog.Logger) *MeteringService {
	return &MeteringService{
		usage:   deps.Usage,
		tenants: deps.Tenants,
		limits:  deps.Limits,
		clock:   deps.Clock,
		logger:  logger,
	}
}

// CurrentPeriodUsage returns the tenant's record for the current UTC month.
func (s *MeteringService) CurrentPeriodUsage(ctx context.Context, tenantID string) (usage.Record, error) {
	if tenantID == "" {
		return usage.Record{}, ErrTenantRequired
	}
	now := s.clock.Now()
	rec, err := s.usage.Get(ctx, tenantID, usage.PeriodOf(now), now)
	if err != nil {
		return usage.Record{}, fmt.Errorf("current usage for %s: %w", tenantID, err)
	}
	return rec, nil
}

// Increment adds one to a feature counter in the current period. Called after a
// CheckAndReserve admission, it settles that admission's reservation in the same
// store step, so the call counts once. Ticket.Commit is the equivalent when the
// caller holds the ticket.
func (s *MeteringService) Increment(ctx context.Context, tenantID string, feature usage.Feature) (usage.Record, error) {
	if tenantID == "" {
		return usage.Record{}, ErrTenantRequired
	}
	if !feature.Valid() {
		return usage.Record{}, fmt.Errorf("unknown feature %q", feature)
	}
	now := s.clock.Now()
	rec, err := s.usage.Increment(ctx, tenantID, usage.PeriodOf(now), feature, now)
	if err != nil {
		s.logger.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("feature", string(feature)).
			Msg("usage increment failed")
		return usage.Record{}, fmt.Errorf("increment %s for %s: %w", feature, tenantID, err)
	}
	return rec, nil
}

// History returns up to periods records, most recent first.
func (s *MeteringService) History(ctx context.Context, tenantID string, periods int) ([]usage.Record, error) {
	return s.usage.History(ctx, tenantID, periods)
}

// Lifetime returns the feature total across all periods.
func (s *MeteringService) Lifetime(ctx context.Context, tenantID string, feature usage.Feature) (int64, error) {
	return s.usage.Lifetime(ctx, tenantID, feature)
}

// LimitStatus is one feature's standing against its ceiling.
type LimitStatus struct {
	Window    usage.Window
	Ceiling   int64
	Used      int64
	Remaining int64
}

// UsageSummary is what a tenant sees about its own consumption.
type UsageSummary struct {
	Tenant tenant.Tenant
	Period usage.Period
	Usage  usage.Record
	Limits map[usage.Feature]LimitStatus // only limited features appear
}

// Summary assembles the tenant's plan, current usage and remaining quota.
func (s *MeteringService) Summary(ctx context.Context, tenantID string) (UsageSummary, error) {
	if tenantID == "" {
		return UsageSummary{}, ErrTenantRequired
	}
	t, err := s.tenants.GetOrCreate(ctx, tenantID, s.clock.Now())
	if err != nil {
		return UsageSummary{}, fmt.Errorf("usage summary for %s: %w", tenantID, err)
	}
	rec, err := s.CurrentPeriodUsage(ctx, tenantID)
	if err != nil {
		return UsageSummary{}, err
	}

	out := UsageSummary{Tenant: t, Period: rec.Period, Usage: rec, Limits: map[usage.Feature]LimitStatus{}}
	table := s.limits.Limits()
	for _, f := range usage.Features {
		l, ok := table.Lookup(t.Plan, f)
		if !ok {
			continue
		}
		used := rec.Count(f)
		if l.Window == usage.WindowLifetime {
			if used, err = s.usage.Lifetime(ctx, tenantID, f); err != nil {
				return UsageSummary{}, fmt.Errorf("usage summary for %s: %w", tenantID, err)
			}
		}
		out.Limits[f] = LimitStatus{
			Window:    l.Window,
			Ceiling:   l.Ceiling,
			Used:      used,
			Remaining: entitlement.Remaining(l, used),
		}
	}
	return out, nil
}
