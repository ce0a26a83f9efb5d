package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/domain/tenant"
)

// Stripe event types acted on. Everything else decodes to billing.Unknown.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// eventDecoder turns a Stripe data.object into a normalized billing event.
type eventDecoder struct {
	planByPrice map[string]tenant.Plan
}

func newEventDecoder(prices map[tenant.Plan]string) eventDecoder {
	byPrice := make(map[string]tenant.Plan, len(prices))
	for plan, price := range prices {
		if price != "" {
			byPrice[price] = plan
		}
	}
	return eventDecoder{planByPrice: byPrice}
}

// decode returns billing.Malformed, not an error, when the id is known but the
// object does not decode, so the event can still be recorded and audited.
func (d eventDecoder) decode(id, eventType string, raw []byte) (billing.Event, error) {
	env := billing.Envelope{ID: id, Type: eventType, Payload: json.RawMessage(raw)}
	if id == "" {
		return nil, fmt.Errorf("%w: event has no id", billing.ErrMalformed)
	}
	ev, err := d.decodeObject(env, eventType, raw)
	if errors.Is(err, billing.ErrMalformed) {
		return billing.Malformed{Envelope: env, Reason: err.Error()}, nil
	}
	return ev, err
}

func (d eventDecoder) decodeObject(env billing.Envelope, eventType string, raw []byte) (billing.Event, error) {
	id := env.ID

	switch eventType {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session %s: %v", billing.ErrMalformed, id, err)
		}
		ev := billing.CheckoutCompleted{
			Envelope: env,
			TenantID: cs.Metadata[MetadataTenantID],
			Plan:     tenant.Plan(cs.Metadata[MetadataPlan]),
		}
		if cs.Customer != nil {
			ev.CustomerID = cs.Customer.ID
		}
		if cs.Subscription != nil {
			ev.SubscriptionID = cs.Subscription.ID
		}
		return ev, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		sub, err := decodeSubscription(id, raw)
		if err != nil {
			return nil, err
		}
		status, err := tenant.ParseStatus(string(sub.Status))
		if err != nil {
			status = tenant.Status(sub.Status)
		}
		ev := billing.SubscriptionUpdated{
			Envelope:       env,
			SubscriptionID: sub.ID,
			Status:         status,
			Plan:           d.planOf(sub),
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		return ev, nil

	case EventSubscriptionDeleted:
		sub, err := decodeSubscription(id, raw)
		if err != nil {
			return nil, err
		}
		ev := billing.SubscriptionCanceled{Envelope: env, SubscriptionID: sub.ID}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		return ev, nil
	}
	return billing.Unknown{Envelope: env}, nil
}

func decodeSubscription(id string, raw []byte) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, fmt.Errorf("%w: decode subscription %s: %v", billing.ErrMalformed, id, err)
	}
	return sub, nil
}

// planOf names the plan a subscription is on: the configured price of its first
// item wins, then the plan metadata. nil leaves the tenant's plan unchanged.
func (d eventDecoder) planOf(sub stripe.Subscription) *tenant.Plan {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if plan, ok := d.planByPrice[item.Price.ID]; ok {
				return tenant.PlanPtr(plan)
			}
		}
	}
	if plan, err := tenant.ParsePlan(sub.Metadata[MetadataPlan]); err == nil {
		return tenant.PlanPtr(plan)
	}
	return nil
}
