package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// DefaultReservationTTL bounds how long an unsettled ticket holds quota.
const DefaultReservationTTL = 2 * time.Minute

// Decision outcome labels.
const (
	DecisionAllowed     = "allowed"
	DecisionDenied      = "denied"
	DecisionUnavailable = "unavailable"
)

// ErrTicketReleased is returned when Commit is called on a released ticket.
var ErrTicketReleased = errors.New("ticket already released")

// GateDeps contains dependencies for Gate.
type GateDeps struct {
	Tenants ports.TenantRepository
	Usage   ports.UsageRepository
	Limits  ports.LimitSource
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Metrics ports.MetricsRecorder // optional
}

// GateConfig contains configuration for Gate.
type GateConfig struct {
	ReservationTTL time.Duration
}

// Gate decides whether a quota-consuming operation may proceed.
// The check and the claim are a single atomic store operation, so concurrent callers
// never both pass a ceiling that only one of them fits under.
type Gate struct {
	tenants ports.TenantRepository
	usage   ports.UsageRepository
	limits  ports.LimitSource
	clock   ports.Clock
	idGen   ports.IDGenerator
	metrics ports.MetricsRecorder
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewGate creates a new limit enforcement gate.
func NewGate(deps GateDeps, cfg GateConfig, logger zerolog.Logger) *Gate {
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	m := deps.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Gate{
		tenants: deps.Tenants,
		usage:   deps.Usage,
		limits:  deps.Limits,
		clock:   deps.Clock,
		idGen:   deps.IDGen,
		metrics: m,
		ttl:     ttl,
		logger:  logger,
	}
}

// CheckAndReserve decides a feature call for a tenant. When allowed, the returned
// ticket must be settled: Commit after confirmed success, Release otherwise.
// Store failures fail closed with a QUOTA_UNAVAILABLE decision and an error wrapping
// ports.ErrStoreUnavailable.
func (g *Gate) CheckAndReserve(ctx context.Context, tenantID string, feature usage.Feature) (entitlement.Decision, *Ticket, error) {
	if tenantID == "" {
		return entitlement.Decision{}, nil, ErrTenantRequired
	}
	if !feature.Valid() {
		return entitlement.Decision{}, nil, fmt.Errorf("unknown feature %q", feature)
	}
	now := g.clock.Now()
	log := g.logger.With().Str("tenant_id", tenantID).Str("feature", string(feature)).Logger()

	t, err := g.tenants.GetOrCreate(ctx, tenantID, now)
	if err != nil {
		log.Error().Err(err).Msg("quota check failed: tenant lookup")
		g.metrics.RecordDecision(string(feature), "", DecisionUnavailable)
		return entitlement.Unavailable(feature), nil, fmt.Errorf("quota check for %s: %w", tenantID, err)
	}

	limit, limited := g.limits.Limits().Lookup(t.Plan, feature)
	if !limited {
		g.metrics.RecordDecision(string(feature), string(t.Plan), DecisionAllowed)
		return entitlement.Allow(feature), g.newTicket(tenantID, feature, nil), nil
	}

	req := usage.ReserveRequest{
		ID:       g.idGen.New(),
		TenantID: tenantID,
		Feature:  feature,
		Period:   usage.PeriodOf(now),
		Window:   limit.Window,
		Ceiling:  limit.Ceiling,
		Now:      now,
		TTL:      g.ttl,
	}
	res, err := g.usage.Reserve(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("quota check failed: reserve")
		g.metrics.RecordDecision(string(feature), string(t.Plan), DecisionUnavailable)
		return entitlement.Unavailable(feature), nil, fmt.Errorf("quota check for %s: %w", tenantID, err)
	}
	if !res.Reserved {
		d := entitlement.Deny(feature, limit, res.Used)
		log.Info().
			Str("plan", string(t.Plan)).
			Str("code", d.Code).
			Int64("used", res.Used).
			Int64("pending", res.Pending).
			Int64("ceiling", limit.Ceiling).
			Msg("quota denied")
		g.metrics.RecordDecision(string(feature), string(t.Plan), DecisionDenied)
		return d, nil, nil
	}

	g.metrics.RecordDecision(string(feature), string(t.Plan), DecisionAllowed)
	reservation := res.Reservation
	return entitlement.AllowWithin(feature, limit, res.Used), g.newTicket(tenantID, feature, &reservation), nil
}

// Acquire runs CheckAndReserve for each feature in order. The first non-allowed
// decision is returned and every ticket already taken is released, even when ctx
// is already canceled.
func (g *Gate) Acquire(ctx context.Context, tenantID string, features ...usage.Feature) (entitlement.Decision, Tickets, error) {
	var (
		tickets Tickets
		last    entitlement.Decision
	)
	for _, f := range features {
		d, tk, err := g.CheckAndReserve(ctx, tenantID, f)
		if err != nil || !d.Allowed {
			tickets.Release(context.WithoutCancel(ctx))
			return d, nil, err
		}
		tickets = append(tickets, tk)
		last = d
	}
	return last, tickets, nil
}

func (g *Gate) newTicket(tenantID string, feature usage.Feature, res *usage.Reservation) *Ticket {
	return &Ticket{gate: g, tenantID: tenantID, feature: feature, reservation: res}
}

type ticketState int

const (
	ticketPending ticketState = iota
	ticketCommitted
	ticketReleased
)

// Ticket is an admitted, unsettled quota claim. Safe for concurrent use.
// The first successful Commit or any Release settles it; later calls are no-ops.
type Ticket struct {
	gate        *Gate
	tenantID    string
	feature     usage.Feature
	reservation *usage.Reservation // nil for unlimited features

	mu     sync.Mutex
	state  ticketState
	record usage.Record
}

// Feature returns the feature the ticket was issued for.
func (t *Ticket) Feature() usage.Feature { return t.feature }

// Reservation returns the held reservation, if the feature is limited.
func (t *Ticket) Reservation() (usage.Reservation, bool) {
	if t.reservation == nil {
		return usage.Reservation{}, false
	}
	return *t.reservation, true
}

// Commit records one unit of usage. Repeated calls return the first result.
// A failed commit leaves the ticket pending so the caller may retry or release.
func (t *Ticket) Commit(ctx context.Context) (usage.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case ticketCommitted:
		return t.record, nil
	case ticketReleased:
		return usage.Record{}, ErrTicketReleased
	}

	g := t.gate
	now := g.clock.Now()
	var (
		rec usage.Record
		err error
	)
	if t.reservation != nil {
		rec, err = g.usage.Commit(ctx, *t.reservation, now)
	} else {
		rec, err = g.usage.Increment(ctx, t.tenantID, usage.PeriodOf(now), t.feature, now)
	}
	if err != nil {
		g.logger.Error().Err(err).
			Str("tenant_id", t.tenantID).
			Str("feature", string(t.feature)).
			Msg("usage commit failed")
		return usage.Record{}, fmt.Errorf("commit %s for %s: %w", t.feature, t.tenantID, err)
	}
	t.state = ticketCommitted
	t.record = rec
	g.metrics.RecordSettlement(string(t.feature), "committed")
	return rec, nil
}

// Release gives the claim back without consuming quota. Releasing a
// committed ticket does nothing.
func (t *Ticket) Release(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ticketPending {
		return nil
	}
	t.state = ticketReleased
	t.gate.metrics.RecordSettlement(string(t.feature), "released")
	if t.reservation == nil {
		return nil
	}
	// A release that fails still frees the quota once the reservation expires.
	if err := t.gate.usage.Release(ctx, *t.reservation); err != nil {
		t.gate.logger.Warn().Err(err).
			Str("tenant_id", t.tenantID).
			Str("reservation_id", t.reservation.ID).
			Msg("reservation release failed")
		return err
	}
	return nil
}

// Tickets settles a group of tickets together.
type Tickets []*Ticket

// Commit commits every ticket and returns the first error.
func (ts Tickets) Commit(ctx context.Context) error {
	var first error
	for _, t := range ts {
		if _, err := t.Commit(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Release releases every pending ticket.
func (ts Tickets) Release(ctx context.Context) {
	for _, t := range ts {
		_ = t.Release(ctx)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(feature, plan, outcome string) {}
func (nopMetrics) RecordSettlement(feature, result string)      {}
func (nopMetrics) RecordWebhook(eventType, outcome string)      {}
