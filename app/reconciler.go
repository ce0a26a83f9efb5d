package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// Outcome is how the reconciler disposed of a billing event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied" // tenant state changed
	OutcomeIgnored Outcome = "ignored" // recorded only; the event type carries no state
	OutcomeDropped Outcome = "dropped" // recorded, cannot ever apply; the provider should stop retrying
)

// ReconcilerDeps contains dependencies for Reconciler.
type ReconcilerDeps struct {
	Tenants  ports.TenantRepository
	Events   ports.BillingEventRepository
	Provider ports.PaymentProvider // decodes ledger payloads on replay
	Clock    ports.Clock
	Metrics  ports.MetricsRecorder // optional
}

// Reconciler applies billing notifications to tenant state. Notifications may be
// duplicated or arrive out of order; the last one processed wins.
type Reconciler struct {
	tenants  ports.TenantRepository
	events   ports.BillingEventRepository
	provider ports.PaymentProvider
	clock    ports.Clock
	metrics  ports.MetricsRecorder
	logger   zerolog.Logger
}

// NewReconciler creates a new billing event reconciler.
func NewReconciler(deps ReconcilerDeps, logger zerolog.Logger) *Reconciler {
	m := deps.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Reconciler{
		tenants:  deps.Tenants,
		events:   deps.Events,
		provider: deps.Provider,
		clock:    deps.Clock,
		metrics:  m,
		logger:   logger,
	}
}

// Handle records the event in the ledger and reconciles it. Duplicates are
// reconciled again, which is harmless because transitions are idempotent.
// Only store unavailability is returned as an error; the caller should answer
// with a retryable status.
func (r *Reconciler) Handle(ctx context.Context, ev billing.Event) (Outcome, error) {
	rec := billing.RecordOf(ev)
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = r.clock.Now()
	}
	log := r.logger.With().
		Str("provider_event_id", rec.ProviderEventID).
		Str("event_type", rec.EventType).
		Logger()

	isNew, err := r.events.RecordIfNew(ctx, rec)
	if err != nil {
		log.Error().Err(err).Msg("billing event ledger write failed")
		r.metrics.RecordWebhook(rec.EventType, "failed")
		return "", fmt.Errorf("record billing event %s: %w", rec.ProviderEventID, err)
	}
	if !isNew {
		log.Info().Msg("duplicate billing event")
	}

	outcome, err := r.reconcile(ctx, ev, log)
	if err != nil {
		r.metrics.RecordWebhook(rec.EventType, "failed")
		return "", err
	}
	r.metrics.RecordWebhook(rec.EventType, string(outcome))
	return outcome, nil
}

// Replay re-runs the transition for a ledger entry.
func (r *Reconciler) Replay(ctx context.Context, providerEventID string) (Outcome, error) {
	rec, err := r.events.Get(ctx, providerEventID)
	if err != nil {
		return "", fmt.Errorf("load billing event %s: %w", providerEventID, err)
	}
	log := r.logger.With().
		Str("provider_event_id", rec.ProviderEventID).
		Str("event_type", rec.EventType).
		Bool("replay", true).
		Logger()

	ev, err := r.provider.DecodeEvent(rec.ProviderEventID, rec.EventType, rec.Payload)
	if errors.Is(err, billing.ErrMalformed) {
		log.Warn().Err(err).Msg("dropping malformed billing event")
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", fmt.Errorf("decode billing event %s: %w", providerEventID, err)
	}
	return r.reconcile(ctx, ev, log)
}

func (r *Reconciler) reconcile(ctx context.Context, ev billing.Event, log zerolog.Logger) (Outcome, error) {
	sel, tr, ok, err := billing.TransitionFor(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed billing event")
		return OutcomeDropped, nil
	}
	if !ok {
		log.Debug().Msg("billing event recorded without state change")
		return OutcomeIgnored, nil
	}

	t, err := r.tenants.ApplyTransition(ctx, sel, tr, r.clock.Now())
	switch {
	case errors.Is(err, ports.ErrNotFound):
		log.Warn().Str("selector", sel.String()).Msg("no tenant for billing event; dropping")
		return OutcomeDropped, nil
	case errors.Is(err, ports.ErrConflict):
		log.Warn().Err(err).Str("selector", sel.String()).Msg("billing event conflicts with tenant linkage; dropping")
		return OutcomeDropped, nil
	case err != nil:
		log.Error().Err(err).Str("selector", sel.String()).Msg("billing transition failed")
		return "", fmt.Errorf("apply billing event %s: %w", ev.Meta().ID, err)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("plan", string(t.Plan)).
		Str("status", string(t.Status)).
		Msg("billing event applied")
	return OutcomeApplied, nil
}
