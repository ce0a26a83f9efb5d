package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// UsageStore implements ports.UsageRepository using PostgreSQL.
// Reservations for a tenant serialize on a transaction-scoped advisory lock.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new PostgreSQL usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

const recordColumns = `tenant_id, period, analysis_count, content_count, api_call_count, updated_at`

// Get returns the record for a period, inserting a zeroed row if absent.
func (s *UsageStore) Get(ctx context.Context, tenantID string, period usage.Period, now time.Time) (usage.Record, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (tenant_id, period, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period) DO NOTHING
	`, tenantID, period.Key(), now.UTC()); err != nil {
		return usage.Record{}, classify("create usage record", err)
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM usage_records WHERE tenant_id = $1 AND period = $2
	`, tenantID, period.Key()))
	if err != nil {
		return usage.Record{}, classify("get usage record", err)
	}
	return rec, nil
}

// Increment takes the tenant's advisory lock, deletes the oldest active
// reservation for the feature and adds one to the counter.
func (s *UsageStore) Increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error) {
	if !feature.Valid() {
		return usage.Record{}, fmt.Errorf("increment: unknown feature %q", feature)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.Record{}, classify("begin increment", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
		return usage.Record{}, classify("lock tenant usage", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM usage_reservations WHERE id = (
			SELECT id FROM usage_reservations
			WHERE tenant_id = $1 AND feature = $2 AND expires_at > $3
			ORDER BY expires_at, id
			LIMIT 1
		)
	`, tenantID, string(feature), now.UTC()); err != nil {
		return usage.Record{}, classify("consume reservation", err)
	}
	rec, err := increment(ctx, tx, tenantID, period, feature, now)
	if err != nil {
		return usage.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return usage.Record{}, classify("commit increment", err)
	}
	return rec, nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func increment(ctx context.Context, q queryer, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error) {
	col := feature.Column()
	rec, err := scanRecord(q.QueryRowContext(ctx, `
		INSERT INTO usage_records (tenant_id, period, `+col+`, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (tenant_id, period) DO UPDATE SET
			`+col+` = usage_records.`+col+` + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		tenantID, period.Key(), now.UTC()))
	if err != nil {
		return usage.Record{}, classify("increment usage", err)
	}
	return rec, nil
}

// Lifetime sums a feature counter across all periods.
func (s *UsageStore) Lifetime(ctx context.Context, tenantID string, feature usage.Feature) (int64, error) {
	if !feature.Valid() {
		return 0, fmt.Errorf("lifetime: unknown feature %q", feature)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(`+feature.Column()+`), 0) FROM usage_records WHERE tenant_id = $1
	`, tenantID).Scan(&total); err != nil {
		return 0, classify("lifetime usage", err)
	}
	return total, nil
}

// History returns up to limit records, most recent period first.
func (s *UsageStore) History(ctx context.Context, tenantID string, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM usage_records
		WHERE tenant_id = $1
		ORDER BY period DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, classify("usage history", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan usage record", err)
		}
		out = append(out, rec)
	}
	return out, classify("usage history", rows.Err())
}

// Reserve takes the tenant's advisory lock, sweeps expired claims, reads used and
// pending in one statement and inserts the reservation only if it is admitted.
func (s *UsageStore) Reserve(ctx context.Context, req usage.ReserveRequest) (usage.ReserveResult, error) {
	if !req.Feature.Valid() || !req.Window.Valid() {
		return usage.ReserveResult{}, fmt.Errorf("reserve: invalid feature %q or window %q", req.Feature, req.Window)
	}
	now := req.Now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.ReserveResult{}, classify("begin reserve", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.TenantID); err != nil {
		return usage.ReserveResult{}, classify("lock tenant usage", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM usage_reservations WHERE tenant_id = $1 AND feature = $2 AND expires_at <= $3
	`, req.TenantID, string(req.Feature), now); err != nil {
		return usage.ReserveResult{}, classify("sweep reservations", err)
	}

	col := req.Feature.Column()
	var used, pending int64
	if req.Window == usage.WindowLifetime {
		err = tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COALESCE(SUM(`+col+`), 0) FROM usage_records WHERE tenant_id = $1),
				(SELECT COUNT(*) FROM usage_reservations WHERE tenant_id = $1 AND feature = $2 AND expires_at > $3)
		`, req.TenantID, string(req.Feature), now).Scan(&used, &pending)
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COALESCE(SUM(`+col+`), 0) FROM usage_records WHERE tenant_id = $1 AND period = $4),
				(SELECT COUNT(*) FROM usage_reservations WHERE tenant_id = $1 AND feature = $2 AND expires_at > $3 AND period = $4)
		`, req.TenantID, string(req.Feature), now, req.Period.Key()).Scan(&used, &pending)
	}
	if err != nil {
		return usage.ReserveResult{}, classify("read window usage", err)
	}

	result := usage.ReserveResult{Used: used, Pending: pending}
	if !usage.Admit(used, pending, req.Ceiling) {
		return result, classify("commit reserve", tx.Commit())
	}

	res := req.Reservation()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_reservations (id, tenant_id, feature, period, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, res.ID, res.TenantID, string(res.Feature), res.Period.Key(), string(res.Window), res.ExpiresAt.UTC()); err != nil {
		return usage.ReserveResult{}, classify("insert reservation", err)
	}
	if err := tx.Commit(); err != nil {
		return usage.ReserveResult{}, classify("commit reserve", err)
	}
	result.Reserved = true
	result.Reservation = res
	return result, nil
}

// Commit deletes the reservation and increments its counter in one transaction.
func (s *UsageStore) Commit(ctx context.Context, res usage.Reservation, now time.Time) (usage.Record, error) {
	if !res.Feature.Valid() {
		return usage.Record{}, fmt.Errorf("commit: unknown feature %q", res.Feature)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.Record{}, classify("begin commit", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_reservations WHERE id = $1`, res.ID); err != nil {
		return usage.Record{}, classify("delete reservation", err)
	}
	rec, err := increment(ctx, tx, res.TenantID, res.Period, res.Feature, now)
	if err != nil {
		return usage.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return usage.Record{}, classify("commit usage", err)
	}
	return rec, nil
}

// Release discards a reservation.
func (s *UsageStore) Release(ctx context.Context, res usage.Reservation) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_reservations WHERE id = $1`, res.ID)
	return classify("release reservation", err)
}

func scanRecord(row scanner) (usage.Record, error) {
	var (
		rec usage.Record
		key string
	)
	if err := row.Scan(&rec.TenantID, &key, &rec.Analysis, &rec.Content, &rec.APICall, &rec.UpdatedAt); err != nil {
		return usage.Record{}, err
	}
	p, err := usage.ParsePeriod(key)
	if err != nil {
		return usage.Record{}, err
	}
	rec.Period = p
	return rec, nil
}

// Ensure interface compliance.
var _ ports.UsageRepository = (*UsageStore)(nil)
