// Package billing provides normalized payment-provider event types and the pure mapping
// from events to tenant transitions.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tenantmeter/domain/tenant"
)

// ErrMalformed marks an event that can never be applied, such as a checkout without tenant
// metadata. Malformed events are logged and dropped rather than retried.
var ErrMalformed = errors.New("malformed billing event")

// Kind is the normalized event category.
type Kind string

const (
	KindCheckoutCompleted    Kind = "checkout_completed"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindUnknown              Kind = "unknown"
	KindMalformed            Kind = "malformed"
)

// Envelope carries the provider-assigned identity and raw payload shared by every event.
type Envelope struct {
	ID         string          // provider event id, globally unique
	Type       string          // provider event type, e.g. "checkout.session.completed"
	Payload    json.RawMessage // provider data.object
	ReceivedAt time.Time
}

// Meta returns the envelope.
func (e Envelope) Meta() Envelope { return e }

// Event is a closed set of normalized billing events.
// Implementations: CheckoutCompleted, SubscriptionUpdated, SubscriptionCanceled, Unknown, Malformed.
type Event interface {
	Meta() Envelope
	Kind() Kind
	isEvent()
}

// CheckoutCompleted is emitted when a tenant finishes a hosted checkout.
type CheckoutCompleted struct {
	Envelope
	TenantID       string
	CustomerID     string
	SubscriptionID string
	Plan           tenant.Plan
}

// SubscriptionUpdated is emitted on any subscription status change.
type SubscriptionUpdated struct {
	Envelope
	CustomerID     string
	SubscriptionID string
	Status         tenant.Status
	Plan           *tenant.Plan // set only when the event explicitly names a plan
}

// SubscriptionCanceled is emitted when a subscription ends.
type SubscriptionCanceled struct {
	Envelope
	CustomerID     string
	SubscriptionID string
}

// Unknown carries any event type this system does not act on.
type Unknown struct {
	Envelope
}

// Malformed is a verified event whose data.object could not be decoded.
// It is recorded in the ledger like any other event and never applied.
type Malformed struct {
	Envelope
	Reason string
}

func (CheckoutCompleted) Kind() Kind    { return KindCheckoutCompleted }
func (SubscriptionUpdated) Kind() Kind  { return KindSubscriptionUpdated }
func (SubscriptionCanceled) Kind() Kind { return KindSubscriptionCanceled }
func (Unknown) Kind() Kind              { return KindUnknown }
func (Malformed) Kind() Kind            { return KindMalformed }

func (CheckoutCompleted) isEvent()    {}
func (SubscriptionUpdated) isEvent()  {}
func (SubscriptionCanceled) isEvent() {}
func (Unknown) isEvent()              {}
func (Malformed) isEvent()            {}

// Record is the immutable ledger entry for a received event.
type Record struct {
	ProviderEventID string
	EventType       string
	Payload         json.RawMessage
	ReceivedAt      time.Time
}

// RecordOf builds the ledger entry for an event.
func RecordOf(ev Event) Record {
	m := ev.Meta()
	return Record{
		ProviderEventID: m.ID,
		EventType:       m.Type,
		Payload:         m.Payload,
		ReceivedAt:      m.ReceivedAt,
	}
}

// TransitionFor maps an event to the tenant selector and transition it implies.
// ok is false for events that carry no state change. Events missing required
// identifiers return an error wrapping ErrMalformed.
// This is a PURE function: the same event always yields the same transition.
func TransitionFor(ev Event) (sel tenant.Selector, tr tenant.Transition, ok bool, err error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		if e.TenantID == "" {
			return sel, tr, false, fmt.Errorf("%w: checkout %s has no tenant metadata", ErrMalformed, e.ID)
		}
		if !e.Plan.Valid() {
			return sel, tr, false, fmt.Errorf("%w: checkout %s has invalid plan %q", ErrMalformed, e.ID, e.Plan)
		}
		if e.CustomerID == "" {
			return sel, tr, false, fmt.Errorf("%w: checkout %s has no customer", ErrMalformed, e.ID)
		}
		return tenant.ByTenant(e.TenantID), tenant.Normalize(tenant.Transition{
			Plan:           tenant.PlanPtr(e.Plan),
			Status:         tenant.StatusActive,
			CustomerID:     e.CustomerID,
			SubscriptionID: e.SubscriptionID,
		}), true, nil

	case SubscriptionUpdated:
		if e.CustomerID == "" {
			return sel, tr, false, fmt.Errorf("%w: subscription update %s has no customer", ErrMalformed, e.ID)
		}
		if !e.Status.Valid() {
			return sel, tr, false, fmt.Errorf("%w: subscription update %s has invalid status %q", ErrMalformed, e.ID, e.Status)
		}
		return tenant.ByCustomer(e.CustomerID), tenant.Normalize(tenant.Transition{
			Plan:           e.Plan,
			Status:         e.Status,
			SubscriptionID: e.SubscriptionID,
		}), true, nil

	case SubscriptionCanceled:
		if e.CustomerID == "" {
			return sel, tr, false, fmt.Errorf("%w: cancellation %s has no customer", ErrMalformed, e.ID)
		}
		return tenant.ByCustomer(e.CustomerID), tenant.Normalize(tenant.Transition{
			Status: tenant.StatusCanceled,
		}), true, nil

	case Unknown:
		return sel, tr, false, nil

	case Malformed:
		return sel, tr, false, fmt.Errorf("%w: event %s: %s", ErrMalformed, e.ID, e.Reason)
	}
	return sel, tr, false, fmt.Errorf("%w: unsupported event %T", ErrMalformed, ev)
}
