package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/adapters/clock"
	"github.com/artpar/tenantmeter/adapters/idgen"
	"github.com/artpar/tenantmeter/adapters/memory"
	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// mutableLimits is a LimitSource whose table can be swapped mid-test.
type mutableLimits struct {
	mu    sync.RWMutex
	table entitlement.Table
}

func (m *mutableLimits) Limits() entitlement.Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table
}

func (m *mutableLimits) Set(t entitlement.Table) {
	m.mu.Lock()
	m.table = t
	m.mu.Unlock()
}

// recordingMetrics counts recorder calls by label tuple.
type recordingMetrics struct {
	mu       sync.Mutex
	decision map[string]int
	settled  map[string]int
	webhooks map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{decision: map[string]int{}, settled: map[string]int{}, webhooks: map[string]int{}}
}

func (m *recordingMetrics) RecordDecision(feature, plan, outcome string) {
	m.mu.Lock()
	m.decision[feature+"/"+plan+"/"+outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordSettlement(feature, result string) {
	m.mu.Lock()
	m.settled[feature+"/"+result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordWebhook(eventType, outcome string) {
	m.mu.Lock()
	m.webhooks[eventType+"/"+outcome]++
	m.mu.Unlock()
}

type testEnv struct {
	tenants    *memory.TenantStore
	usage      *memory.UsageStore
	events     *memory.BillingEventStore
	clock      *clock.Fake
	limits     *mutableLimits
	metrics    *recordingMetrics
	tenantSvc  *app.TenantService
	metering   *app.MeteringService
	gate       *app.Gate
	reconciler *app.Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		tenants: memory.NewTenantStore(),
		usage:   memory.NewUsageStore(memory.UsageStoreConfig{}),
		events:  memory.NewBillingEventStore(),
		clock:   clock.NewFake(testNow),
		limits:  &mutableLimits{table: entitlement.DefaultTable()},
		metrics: newRecordingMetrics(),
	}
	logger := zerolog.Nop()
	env.tenantSvc = app.NewTenantService(env.tenants, env.clock, logger)
	env.metering = app.NewMeteringService(app.MeteringDeps{
		Usage:   env.usage,
		Tenants: env.tenants,
		Limits:  env.limits,
		Clock:   env.clock,
	}, logger)
	env.gate = app.NewGate(app.GateDeps{
		Tenants: env.tenants,
		Usage:   env.usage,
		Limits:  env.limits,
		Clock:   env.clock,
		IDGen:   idgen.NewSequential("res_"),
		Metrics: env.metrics,
	}, app.GateConfig{ReservationTTL: time.Minute}, logger)
	env.reconciler = app.NewReconciler(app.ReconcilerDeps{
		Tenants:  env.tenants,
		Events:   env.events,
		Provider: replayProvider{},
		Clock:    env.clock,
		Metrics:  env.metrics,
	}, logger)
	return env
}

// downUsage fails every quota operation the way a disconnected store does.
type downUsage struct {
	ports.UsageRepository
}

var errConnRefused = errors.New("dial tcp: connection refused")

func (downUsage) Reserve(ctx context.Context, req usage.ReserveRequest) (usage.ReserveResult, error) {
	return usage.ReserveResult{}, ports.Unavailable("reserve", errConnRefused)
}

func (downUsage) Increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error) {
	return usage.Record{}, ports.Unavailable("increment usage", errConnRefused)
}

func (downUsage) Commit(ctx context.Context, res usage.Reservation, now time.Time) (usage.Record, error) {
	return usage.Record{}, ports.Unavailable("commit usage", errConnRefused)
}

// replayProvider decodes ledger payloads the way a provider adapter would for
// the two event types the reconciler tests replay.
type replayProvider struct {
	ports.PaymentProvider
}

func (replayProvider) DecodeEvent(id, eventType string, payload []byte) (billing.Event, error) {
	env := billing.Envelope{ID: id, Type: eventType, Payload: payload}
	switch eventType {
	case "checkout.session.completed":
		return billing.CheckoutCompleted{Envelope: env, TenantID: "t1", CustomerID: "cus_1", SubscriptionID: "sub_1", Plan: "pro"}, nil
	case "broken":
		return nil, billing.ErrMalformed
	}
	return billing.Unknown{Envelope: env}, nil
}
