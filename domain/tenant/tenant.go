// Package tenant provides the tenant value type and pure plan/status transition functions.
// All functions are deterministic with no side effects.
package tenant

import (
	"fmt"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Plans lists every known plan in ascending tier order.
var Plans = []Plan{PlanFree, PlanPro, PlanEnterprise}

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// IsPaid reports whether the plan bypasses usage ceilings.
func (p Plan) IsPaid() bool {
	return p == PlanPro || p == PlanEnterprise
}

// ParsePlan converts a string into a Plan.
func ParsePlan(s string) (Plan, error) {
	p := Plan(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Status mirrors the payment provider's subscription status.
type Status string

const (
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete, StatusTrialing:
		return true
	}
	return false
}

// ParseStatus converts a provider status string into a Status.
// Provider statuses outside the supported set map onto it: unpaid (retries
// exhausted), paused (trial ended without a payment method) and
// incomplete_expired all mean the tenant no longer pays, so they map to
// canceled and demote the tenant to free.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "unpaid", "paused", "incomplete_expired":
		return StatusCanceled, nil
	}
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
	return st, nil
}

// Tenant is the billing and quota unit (value type).
type Tenant struct {
	ID                    string
	Plan                  Plan
	Status                Status
	PaymentCustomerID     string // empty when no provider customer is linked
	PaymentSubscriptionID string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// New returns a tenant with the default free/active state.
func New(id string, now time.Time) Tenant {
	return Tenant{
		ID:        id,
		Plan:      PlanFree,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasCustomer reports whether a payment customer is linked.
func (t Tenant) HasCustomer() bool {
	return t.PaymentCustomerID != ""
}

// ResolveID returns the tenant id for a principal: the organization when present,
// otherwise the user.
func ResolveID(userID, orgID string) string {
	if orgID != "" {
		return orgID
	}
	return userID
}
