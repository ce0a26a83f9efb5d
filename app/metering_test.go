package app_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
)

func TestTenantService_ConcurrentGetOrCreateYieldsOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tn, err := env.tenantSvc.GetOrCreate(ctx, "t1")
			assert.NoError(t, err)
			assert.Equal(t, tenant.PlanFree, tn.Plan)
		}()
	}
	wg.Wait()

	list, err := env.tenantSvc.List(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = env.tenantSvc.GetOrCreate(ctx, "")
	assert.Error(t, err)
}

func TestTenantService_AttachAndTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tenantSvc.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	_, err = env.tenantSvc.AttachPaymentCustomer(ctx, "t1", "cus_1")
	require.NoError(t, err)

	got, err := env.tenantSvc.GetByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	got, err = env.tenantSvc.ApplyPlanTransition(ctx, tenant.ByCustomer("cus_1"), tenant.Transition{
		Plan:   tenant.PlanPtr(tenant.PlanPro),
		Status: tenant.StatusCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanFree, got.Plan, "canceled always demotes")
}

func TestMetering_ConcurrentIncrementsLoseNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.metering.Increment(ctx, "t1", usage.FeatureAPICall)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.APICall)
}

func TestMetering_CurrentPeriodReflectsIncrement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	before, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, before.Content)
	assert.Equal(t, usage.PeriodOf(testNow), before.Period)

	_, err = env.metering.Increment(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)

	after, err := env.metering.CurrentPeriodUsage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Content)

	_, err = env.metering.Increment(ctx, "t1", usage.Feature("bogus"))
	assert.Error(t, err)
}

func TestMetering_HistoryAndSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.metering.Increment(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	env.clock.Set(testNow.AddDate(0, 1, 0))
	_, err = env.metering.Increment(ctx, "t1", usage.FeatureAnalysis)
	require.NoError(t, err)
	_, err = env.metering.Increment(ctx, "t1", usage.FeatureContent)
	require.NoError(t, err)

	hist, err := env.metering.History(ctx, "t1", 12)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, usage.PeriodOf(testNow.AddDate(0, 1, 0)), hist[0].Period)

	sum, err := env.metering.Summary(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanFree, sum.Tenant.Plan)
	assert.Equal(t, int64(1), sum.Usage.Analysis, "current period only")

	analysis := sum.Limits[usage.FeatureAnalysis]
	assert.Equal(t, usage.WindowLifetime, analysis.Window)
	assert.Equal(t, int64(2), analysis.Used, "lifetime window sums periods")
	assert.Equal(t, int64(1), analysis.Remaining)

	content := sum.Limits[usage.FeatureContent]
	assert.Equal(t, int64(1), content.Used)
	assert.Equal(t, int64(9), content.Remaining)

	_, limited := sum.Limits[usage.FeatureAPICall]
	assert.False(t, limited)

	_, err = env.tenants.ApplyTransition(ctx, tenant.ByTenant("t1"), tenant.Transition{Plan: tenant.PlanPtr(tenant.PlanPro), Status: tenant.StatusActive}, testNow)
	require.NoError(t, err)
	sum, err = env.metering.Summary(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, sum.Limits, "paid plans are unlimited")
}
