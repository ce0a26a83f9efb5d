package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tenantmeter/adapters/idgen"
	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

func TestGate_FreeAnalysisScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tn, err := env.tenantSvc.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanFree, tn.Plan)
	assert.Equal(t, tenant.StatusActive, tn.Status)

	for i := 0; i < 3; i++ {
		d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d should be allowed", i+1)
		_, err = ticket.Commit(ctx)
		require.NoError(t, err)
	}

	d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Nil(t, ticket)
	assert.Equal(t, entitlement.CodeLimitReachedAnalysis, d.Code)
	assert.Equal(t, int64(3), d.Used)

	var limitErr *entitlement.LimitExceededError
	require.ErrorAs(t, d.Err(), &limitErr)
	assert.Equal(t, entitlement.CodeLimitReachedAnalysis, limitErr.Code)

	assert.Equal(t, 3, env.metrics.decision["analysis/free/allowed"])
	assert.Equal(t, 1, env.metrics.decision["analysis/free/denied"])
	assert.Equal(t, 3, env.metrics.settled["analysis/committed"])
}

func TestGate_AdmitThenIncrementCountsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d should be allowed", i+1)
		assert.Equal(t, int64(i), d.Used)

		_, err = env.metering.Increment(ctx, "t1", usage.FeatureAnalysis)
		require.NoError(t, err)
	}

	d, _, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.CodeLimitReachedAnalysis, d.Code)

	lifetime, err := env.metering.Lifetime(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lifetime)
	assert.Zero(t, env.usage.Pending("t1"), "increments should settle every admission")
}

func TestGate_PaidPlanIgnoresCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, plan := range []tenant.Plan{tenant.PlanPro, tenant.PlanEnterprise} {
		id := "paid-" + string(plan)
		_, err := env.tenants.ApplyTransition(ctx, tenant.ByTenant(id), tenant.Transition{Plan: tenant.PlanPtr(plan), Status: tenant.StatusActive}, testNow)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := env.usage.Increment(ctx, id, usage.PeriodOf(testNow), usage.FeatureAnalysis, testNow)
			require.NoError(t, err)
		}

		d, ticket, err := env.gate.CheckAndReserve(ctx, id, usage.FeatureAnalysis)
		require.NoError(t, err)
		assert.True(t, d.Allowed, string(plan))
		assert.False(t, d.Limited)
		_, held := ticket.Reservation()
		assert.False(t, held, "unlimited features take no reservation")

		rec, err := ticket.Commit(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), rec.Analysis)
	}
}

func TestGate_ConcurrentCallersNeverOvershoot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two callers at count 2 against ceiling 3: only one may pass.
	for i := 0; i < 2; i++ {
		_, err := env.usage.Increment(ctx, "t1", usage.PeriodOf(testNow), usage.FeatureAnalysis, testNow)
		require.NoError(t, err)
	}

	const workers = 50
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				admitted.Add(1)
				_, err := ticket.Commit(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), admitted.Load())
	total, err := env.metering.Lifetime(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestGate_ConcurrentReserveAdmitsExactlyCeiling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const ceiling = 10
	env.limits.Set(entitlement.Table{
		tenant.PlanFree: {usage.FeatureContent: {Window: usage.WindowMonthly, Ceiling: ceiling}},
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		tickets  []*app.Ticket
		admitted atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
			if !assert.NoError(t, err) || !d.Allowed {
				return
			}
			admitted.Add(1)
			mu.Lock()
			tickets = append(tickets, ticket)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(ceiling), admitted.Load(), "pending reservations count against the ceiling")

	require.NoError(t, app.Tickets(tickets).Commit(ctx))
	rec, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(ceiling), rec.Content)
}

func TestTicket_ReleaseReturnsQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.limits.Set(entitlement.Table{
		tenant.PlanFree: {usage.FeatureContent: {Window: usage.WindowMonthly, Ceiling: 1}},
	})

	d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "held reservation fills the ceiling")
	assert.Equal(t, entitlement.CodeLimitReachedContent, d.Code)

	require.NoError(t, ticket.Release(ctx))
	assert.Zero(t, env.usage.Pending("t1"))

	_, err = ticket.Commit(ctx)
	assert.ErrorIs(t, err, app.ErrTicketReleased)
	assert.NoError(t, ticket.Release(ctx), "second release is a no-op")

	d, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, rec.Content, "released calls consume nothing")
}

func TestTicket_CommitIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ticket.Commit(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.NoError(t, ticket.Release(ctx), "release after commit does nothing")

	rec, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Content)
	assert.Zero(t, env.usage.Pending("t1"))
}

func TestTicket_AbandonedReservationExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.limits.Set(entitlement.Table{
		tenant.PlanFree: {usage.FeatureContent: {Window: usage.WindowMonthly, Ceiling: 1}},
	})

	d, _, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	env.clock.Advance(time.Minute)
	d, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "expired reservation no longer holds quota")
}

func TestGate_FailsClosedWhenStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	gate := app.NewGate(app.GateDeps{
		Tenants: env.tenants,
		Usage:   downUsage{},
		Limits:  env.limits,
		Clock:   env.clock,
		IDGen:   idgen.NewSequential("res_"),
	}, app.GateConfig{}, zerolog.Nop())

	d, ticket, err := gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
	assert.ErrorIs(t, err, ports.ErrStoreUnavailable)
	assert.Nil(t, ticket)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.CodeQuotaUnavailable, d.Code)

	// Unlimited features are allowed, but the commit surfaces the outage.
	d, ticket, err = gate.CheckAndReserve(ctx, "t1", usage.FeatureAPICall)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	_, err = ticket.Commit(ctx)
	assert.ErrorIs(t, err, ports.ErrStoreUnavailable)
	assert.NoError(t, ticket.Release(ctx), "failed commit leaves the ticket releasable")
}

func TestGate_LimitsReloadWithoutRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAPICall)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Limited)
	_, err = ticket.Commit(ctx)
	require.NoError(t, err)

	table := entitlement.DefaultTable()
	table[tenant.PlanFree][usage.FeatureAPICall] = entitlement.Limit{Window: usage.WindowMonthly, Ceiling: 1}
	env.limits.Set(table)

	d, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAPICall)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.CodeLimitReachedAPICall, d.Code)
}

func TestGate_AcquireReleasesOnDeny(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.limits.Set(entitlement.Table{
		tenant.PlanFree: {
			usage.FeatureAPICall:  {Window: usage.WindowMonthly, Ceiling: 5},
			usage.FeatureAnalysis: {Window: usage.WindowLifetime, Ceiling: 0},
		},
	})

	d, tickets, err := env.gate.Acquire(ctx, "t1", usage.FeatureAPICall, usage.FeatureAnalysis)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, usage.FeatureAnalysis, d.Feature)
	assert.Nil(t, tickets)
	assert.Zero(t, env.usage.Pending("t1"), "api_call reservation released")

	env.limits.Set(entitlement.DefaultTable())
	d, tickets, err = env.gate.Acquire(ctx, "t1", usage.FeatureAPICall, usage.FeatureContent)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Len(t, tickets, 2)
	require.NoError(t, tickets.Commit(ctx))

	rec, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.APICall)
	assert.Equal(t, int64(1), rec.Content)
}

func TestGate_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.gate.CheckAndReserve(ctx, "", usage.FeatureAnalysis)
	assert.ErrorIs(t, err, app.ErrTenantRequired)

	_, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.Feature("scrape"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrStoreUnavailable))
}

func TestGate_LifetimeWindowSpansMonths(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
		require.NoError(t, err)
		require.True(t, d.Allowed, fmt.Sprintf("call %d", i))
		_, err = ticket.Commit(ctx)
		require.NoError(t, err)
		env.clock.Advance(31 * 24 * time.Hour)
	}

	d, _, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "lifetime analysis limit does not reset monthly")

	// Monthly content resets with the period.
	for i := 0; i < 10; i++ {
		_, ticket, err := env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
		require.NoError(t, err)
		_, err = ticket.Commit(ctx)
		require.NoError(t, err)
	}
	d, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	env.clock.Advance(31 * 24 * time.Hour)
	d, _, err = env.gate.CheckAndReserve(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// cancelAwareUsage refuses to release on a canceled context, like a network store would.
type cancelAwareUsage struct {
	ports.UsageRepository
}

func (u cancelAwareUsage) Release(ctx context.Context, res usage.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.UsageRepository.Release(ctx, res)
}

func TestGate_AcquireReleasesAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	gate := app.NewGate(app.GateDeps{
		Tenants: env.tenants,
		Usage:   cancelAwareUsage{env.usage},
		Limits:  env.limits,
		Clock:   env.clock,
		IDGen:   idgen.NewSequential("res_"),
	}, app.GateConfig{ReservationTTL: time.Minute}, zerolog.Nop())

	for i := 0; i < 10; i++ {
		_, err := env.usage.Increment(context.Background(), "t1", usage.PeriodOf(testNow), usage.FeatureContent, testNow)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, tickets, err := gate.Acquire(ctx, "t1", usage.FeatureAnalysis, usage.FeatureContent)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.CodeLimitReachedContent, d.Code)
	assert.Nil(t, tickets)
	assert.Zero(t, env.usage.Pending("t1"), "analysis claim should be released")
}
