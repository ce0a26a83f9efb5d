package tenant

import "time"

// SelectorKind identifies how a transition locates its tenant.
type SelectorKind int

const (
	SelectByTenant SelectorKind = iota
	SelectByCustomer
)

// Selector identifies a tenant by tenant id or by payment customer id.
// Webhook events only carry the customer id, so most transitions select by customer.
type Selector struct {
	Kind  SelectorKind
	Value string
}

// ByTenant selects a tenant by its id. Transitions applied with this selector upsert.
func ByTenant(id string) Selector {
	return Selector{Kind: SelectByTenant, Value: id}
}

// ByCustomer selects a tenant by payment customer id.
func ByCustomer(customerID string) Selector {
	return Selector{Kind: SelectByCustomer, Value: customerID}
}

// String returns a log-friendly form of the selector.
func (s Selector) String() string {
	if s.Kind == SelectByCustomer {
		return "customer:" + s.Value
	}
	return "tenant:" + s.Value
}

// Transition is a requested change to a tenant's plan state.
type Transition struct {
	Plan           *Plan // nil leaves the plan unchanged
	Status         Status
	CustomerID     string // empty leaves the linkage unchanged
	SubscriptionID string // empty leaves the linkage unchanged
}

// Normalize enforces transition invariants: cancellation always demotes to free.
func Normalize(tr Transition) Transition {
	if tr.Status == StatusCanceled {
		free := PlanFree
		tr.Plan = &free
	}
	return tr
}

// Apply returns t with the transition applied.
// Applying the same transition twice yields the same tenant (modulo UpdatedAt).
func Apply(t Tenant, tr Transition, now time.Time) Tenant {
	tr = Normalize(tr)
	if tr.Plan != nil {
		t.Plan = *tr.Plan
	}
	if tr.Status != "" {
		t.Status = tr.Status
	}
	if tr.CustomerID != "" {
		t.PaymentCustomerID = tr.CustomerID
	}
	if tr.SubscriptionID != "" {
		t.PaymentSubscriptionID = tr.SubscriptionID
	}
	t.UpdatedAt = now
	return t
}

// PlanPtr is a convenience for building transitions.
func PlanPtr(p Plan) *Plan {
	return &p
}
