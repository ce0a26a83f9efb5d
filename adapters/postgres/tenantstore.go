package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// TenantStore implements ports.TenantRepository using PostgreSQL.
type TenantStore struct {
	db *DB
}

// NewTenantStore creates a new PostgreSQL tenant store.
func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

const tenantColumns = `id, plan, status, payment_customer_id, payment_subscription_id, created_at, updated_at`

// GetOrCreate returns the tenant, inserting a free/active row if absent.
func (s *TenantStore) GetOrCreate(ctx context.Context, id string, now time.Time) (tenant.Tenant, error) {
	t := tenant.New(id, now.UTC())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, plan, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, string(t.Plan), string(t.Status), t.CreatedAt, t.UpdatedAt); err != nil {
		return tenant.Tenant{}, classify("create tenant", err)
	}
	return s.Get(ctx, id)
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id string) (tenant.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return tenant.Tenant{}, classify("get tenant "+id, err)
	}
	return t, nil
}

// GetByCustomerID retrieves a tenant by payment customer ID.
func (s *TenantStore) GetByCustomerID(ctx context.Context, customerID string) (tenant.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE payment_customer_id = $1`, customerID))
	if err != nil {
		return tenant.Tenant{}, classify("get tenant by customer "+customerID, err)
	}
	return t, nil
}

// AttachPaymentCustomer links a customer id once.
func (s *TenantStore) AttachPaymentCustomer(ctx context.Context, id, customerID string, now time.Time) (tenant.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `
		UPDATE tenants
		SET payment_customer_id = $1, updated_at = $2
		WHERE id = $3 AND (payment_customer_id IS NULL OR payment_customer_id = $1)
		RETURNING `+tenantColumns,
		customerID, now.UTC(), id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, classify("attach customer", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return tenant.Tenant{}, err
	}
	return tenant.Tenant{}, fmt.Errorf("tenant %s already linked to another customer: %w", id, ports.ErrConflict)
}

// ApplyTransition applies a transition in a single statement.
func (s *TenantStore) ApplyTransition(ctx context.Context, sel tenant.Selector, tr tenant.Transition, now time.Time) (tenant.Tenant, error) {
	tr = tenant.Normalize(tr)
	now = now.UTC()

	var plan sql.NullString
	if tr.Plan != nil {
		plan = sql.NullString{String: string(*tr.Plan), Valid: true}
	}

	switch sel.Kind {
	case tenant.SelectByTenant:
		initial := tenant.Apply(tenant.New(sel.Value, now), tr, now)
		t, err := scanTenant(s.db.QueryRowContext(ctx, `
			INSERT INTO tenants (`+tenantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (id) DO UPDATE SET
				plan = COALESCE($7, tenants.plan),
				status = COALESCE(NULLIF($8, ''), tenants.status),
				payment_customer_id = COALESCE(NULLIF($9, ''), tenants.payment_customer_id),
				payment_subscription_id = COALESCE(NULLIF($10, ''), tenants.payment_subscription_id),
				updated_at = $6
			RETURNING `+tenantColumns,
			initial.ID, string(initial.Plan), string(initial.Status),
			nullString(initial.PaymentCustomerID), nullString(initial.PaymentSubscriptionID), now,
			plan, string(tr.Status), tr.CustomerID, tr.SubscriptionID))
		if err != nil {
			return tenant.Tenant{}, classify("apply transition "+sel.String(), err)
		}
		return t, nil

	case tenant.SelectByCustomer:
		t, err := scanTenant(s.db.QueryRowContext(ctx, `
			UPDATE tenants SET
				plan = COALESCE($1, plan),
				status = COALESCE(NULLIF($2, ''), status),
				payment_subscription_id = COALESCE(NULLIF($3, ''), payment_subscription_id),
				updated_at = $4
			WHERE payment_customer_id = $5
			RETURNING `+tenantColumns,
			plan, string(tr.Status), tr.SubscriptionID, now, sel.Value))
		if err != nil {
			return tenant.Tenant{}, classify("apply transition "+sel.String(), err)
		}
		return t, nil
	}
	return tenant.Tenant{}, fmt.Errorf("unknown selector kind %d", sel.Kind)
}

// List returns tenants ordered by ID.
func (s *TenantStore) List(ctx context.Context, limit, offset int) ([]tenant.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, classify("list tenants", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, classify("scan tenant", err)
		}
		out = append(out, t)
	}
	return out, classify("list tenants", rows.Err())
}

func scanTenant(row scanner) (tenant.Tenant, error) {
	var (
		t                      tenant.Tenant
		plan, status           string
		customer, subscription sql.NullString
	)
	if err := row.Scan(&t.ID, &plan, &status, &customer, &subscription, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return tenant.Tenant{}, err
	}
	t.Plan = tenant.Plan(plan)
	t.Status = tenant.Status(status)
	t.PaymentCustomerID = customer.String
	t.PaymentSubscriptionID = subscription.String
	return t, nil
}

// Ensure interface compliance.
var _ ports.TenantRepository = (*TenantStore)(nil)
