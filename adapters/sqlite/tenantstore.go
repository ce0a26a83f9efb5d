package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/ports"
)

// TenantStore implements ports.TenantRepository using SQLite.
type TenantStore struct {
	db *DB
}

// NewTenantStore creates a new SQLite tenant store.
func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

const tenantColumns = `id, plan, status, payment_customer_id, payment_subscription_id, created_at, updated_at`

// GetOrCreate returns the tenant, inserting a free/active row if absent.
func (s *TenantStore) GetOrCreate(ctx context.Context, id string, now time.Time) (tenant.Tenant, error) {
	t := tenant.New(id, now.UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, plan, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, string(t.Plan), string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return tenant.Tenant{}, classify("create tenant", err)
	}
	return s.Get(ctx, id)
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if err != nil {
		return tenant.Tenant{}, classify("get tenant "+id, err)
	}
	return t, nil
}

// GetByCustomerID retrieves a tenant by payment customer ID.
func (s *TenantStore) GetByCustomerID(ctx context.Context, customerID string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE payment_customer_id = ?`, customerID)
	t, err := scanTenant(row)
	if err != nil {
		return tenant.Tenant{}, classify("get tenant by customer "+customerID, err)
	}
	return t, nil
}

// AttachPaymentCustomer links a customer id to a tenant that has none (or the same one).
func (s *TenantStore) AttachPaymentCustomer(ctx context.Context, id, customerID string, now time.Time) (tenant.Tenant, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET payment_customer_id = ?, updated_at = ?
		WHERE id = ? AND (payment_customer_id IS NULL OR payment_customer_id = ?)
	`, customerID, now.UTC(), id, customerID)
	if err != nil {
		return tenant.Tenant{}, classify("attach customer", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return tenant.Tenant{}, classify("attach customer", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return tenant.Tenant{}, err
		}
		return tenant.Tenant{}, fmt.Errorf("tenant %s already linked to another customer: %w", id, ports.ErrConflict)
	}
	return s.Get(ctx, id)
}

// ApplyTransition applies a transition in a single statement.
// Tenant selectors upsert; customer selectors update the linked tenant only.
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
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tenants (`+tenantColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				plan = COALESCE(?, plan),
				status = COALESCE(NULLIF(?, ''), status),
				payment_customer_id = COALESCE(NULLIF(?, ''), payment_customer_id),
				payment_subscription_id = COALESCE(NULLIF(?, ''), payment_subscription_id),
				updated_at = ?
		`, initial.ID, string(initial.Plan), string(initial.Status),
			nullString(initial.PaymentCustomerID), nullString(initial.PaymentSubscriptionID),
			now, now,
			plan, string(tr.Status), tr.CustomerID, tr.SubscriptionID, now)
		if err != nil {
			return tenant.Tenant{}, classify("apply transition "+sel.String(), err)
		}
		return s.Get(ctx, sel.Value)

	case tenant.SelectByCustomer:
		result, err := s.db.ExecContext(ctx, `
			UPDATE tenants SET
				plan = COALESCE(?, plan),
				status = COALESCE(NULLIF(?, ''), status),
				payment_subscription_id = COALESCE(NULLIF(?, ''), payment_subscription_id),
				updated_at = ?
			WHERE payment_customer_id = ?
		`, plan, string(tr.Status), tr.SubscriptionID, now, sel.Value)
		if err != nil {
			return tenant.Tenant{}, classify("apply transition "+sel.String(), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return tenant.Tenant{}, classify("apply transition "+sel.String(), err)
		}
		if affected == 0 {
			return tenant.Tenant{}, fmt.Errorf("no tenant for %s: %w", sel, ports.ErrNotFound)
		}
		return s.GetByCustomerID(ctx, sel.Value)
	}
	return tenant.Tenant{}, fmt.Errorf("unknown selector kind %d", sel.Kind)
}

// List returns tenants ordered by ID.
func (s *TenantStore) List(ctx context.Context, limit, offset int) ([]tenant.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants ORDER BY id LIMIT ? OFFSET ?
	`, limit, offset)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (tenant.Tenant, error) {
	var (
		t            tenant.Tenant
		plan, status string
		customer     sql.NullString
		subscription sql.NullString
	)
	err := row.Scan(&t.ID, &plan, &status, &customer, &subscription, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
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
