// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"net/http"
	"time"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher hashes secrets at rest.
type Hasher interface {
	Hash(secret string) ([]byte, error)
	Compare(hash []byte, secret string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// TenantRepository persists tenants. Implementations must make GetOrCreate an atomic
// insert-if-absent and enforce uniqueness of non-empty payment customer ids.
type TenantRepository interface {
	// GetOrCreate returns the tenant, creating it as free/active if absent.
	GetOrCreate(ctx context.Context, id string, now time.Time) (tenant.Tenant, error)

	// Get retrieves a tenant by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (tenant.Tenant, error)

	// GetByCustomerID retrieves a tenant by payment customer id. Returns ErrNotFound if absent.
	GetByCustomerID(ctx context.Context, customerID string) (tenant.Tenant, error)

	// AttachPaymentCustomer links a customer id once.
	// Returns ErrConflict if a different customer is already linked or the id belongs to another tenant.
	AttachPaymentCustomer(ctx context.Context, id, customerID string, now time.Time) (tenant.Tenant, error)

	// ApplyTransition applies a normalized transition. ByTenant selectors upsert;
	// ByCustomer selectors return ErrNotFound when no tenant holds the customer.
	ApplyTransition(ctx context.Context, sel tenant.Selector, tr tenant.Transition, now time.Time) (tenant.Tenant, error)

	// List returns tenants ordered by id.
	List(ctx context.Context, limit, offset int) ([]tenant.Tenant, error)
}

// UsageRepository persists period-scoped usage counters and quota reservations.
// Every mutating method must be atomic in the store; no read-modify-write.
type UsageRepository interface {
	// Get returns the record for a period, creating a zeroed one stamped with now if absent.
	Get(ctx context.Context, tenantID string, period usage.Period, now time.Time) (usage.Record, error)

	// Increment atomically adds one to a feature counter and returns the new record.
	// In the same step it consumes the tenant's oldest active reservation for the
	// feature, if one exists, so a gate admission followed by Increment counts once.
	Increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error)

	// Lifetime returns the feature counter summed across all periods.
	Lifetime(ctx context.Context, tenantID string, feature usage.Feature) (int64, error)

	// History returns up to limit records, most recent period first.
	History(ctx context.Context, tenantID string, limit int) ([]usage.Record, error)

	// Reserve atomically checks used+pending < ceiling over the request window and,
	// only if it holds, stores a reservation. Expired reservations are ignored.
	Reserve(ctx context.Context, req usage.ReserveRequest) (usage.ReserveResult, error)

	// Commit removes the reservation (if still present) and increments the counter
	// for its period in one atomic step.
	Commit(ctx context.Context, res usage.Reservation, now time.Time) (usage.Record, error)

	// Release discards a reservation. Releasing an unknown reservation is not an error.
	Release(ctx context.Context, res usage.Reservation) error
}

// KeyRepository persists tenant API keys. Only hashes are stored.
type KeyRepository interface {
	// Create inserts a key. Returns ErrConflict if the id exists.
	Create(ctx context.Context, k key.Key) error

	// GetByPrefix returns every key sharing a lookup prefix, revoked ones included.
	GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error)

	// ListByTenant returns a tenant's keys, newest first.
	ListByTenant(ctx context.Context, tenantID string) ([]key.Key, error)

	// Revoke stamps revoked_at on a tenant's key. Returns ErrNotFound if the key
	// is absent or belongs to another tenant. Revoking twice keeps the first stamp.
	Revoke(ctx context.Context, tenantID, id string, at time.Time) error

	// UpdateLastUsed records when a key last authenticated.
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
}

// EventFilter narrows ledger listings.
type EventFilter struct {
	Type  string // provider event type; empty matches all
	Limit int
}

// BillingEventRepository is the append-only billing event ledger.
type BillingEventRepository interface {
	// RecordIfNew inserts the record once per provider event id.
	// Duplicates report isNew=false without error.
	RecordIfNew(ctx context.Context, rec billing.Record) (isNew bool, err error)

	// Get retrieves a ledger entry. Returns ErrNotFound if absent.
	Get(ctx context.Context, providerEventID string) (billing.Record, error)

	// List returns entries, most recently received first.
	List(ctx context.Context, filter EventFilter) ([]billing.Record, error)
}

// LimitSource supplies the current plan limit table. Implementations may reload it at runtime.
type LimitSource interface {
	Limits() entitlement.Table
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	TenantID   string
	CustomerID string
	Plan       tenant.Plan
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// PaymentProvider interfaces with the payment processor.
type PaymentProvider interface {
	// Name returns the provider identifier.
	Name() string

	// CreateCustomer creates a provider customer for a tenant.
	CreateCustomer(ctx context.Context, tenantID string) (customerID string, err error)

	// CreateCheckoutSession returns a provider-hosted checkout URL.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (url string, err error)

	// CreatePortalSession returns a provider-hosted billing portal URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (url string, err error)

	// ParseWebhook verifies the signature over the raw body and decodes the event.
	// Returns an error wrapping ErrSignatureVerification when verification fails.
	ParseWebhook(payload []byte, signature string) (billing.Event, error)

	// DecodeEvent decodes a stored ledger payload back into an event (replay).
	DecodeEvent(id, eventType string, payload []byte) (billing.Event, error)

	// SignatureHeader is the request header that carries the webhook signature.
	SignatureHeader() string
}

// FeatureRequest is a quota-consuming call forwarded to the external pipeline.
type FeatureRequest struct {
	Method    string
	Path      string
	Query     string
	Headers   http.Header
	Body      []byte
	TenantID  string
	RequestID string
}

// FeatureResponse is the external pipeline's reply.
type FeatureResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// FeatureUpstream forwards quota-consuming operations to the content/analysis pipeline.
type FeatureUpstream interface {
	Forward(ctx context.Context, req FeatureRequest) (FeatureResponse, error)
}

// -----------------------------------------------------------------------------
// Observability Ports
// -----------------------------------------------------------------------------

// MetricsRecorder receives quota and billing outcomes. Labels are low-cardinality
// strings; tenant ids never appear.
type MetricsRecorder interface {
	// RecordDecision counts a gate decision: allowed, denied or unavailable.
	RecordDecision(feature, plan, outcome string)

	// RecordSettlement counts how a ticket ended: committed or released.
	RecordSettlement(feature, result string)

	// RecordWebhook counts a processed billing notification by outcome.
	RecordWebhook(eventType, outcome string)
}
