package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// UsageStore implements ports.UsageRepository using SQLite.
// Counters only move through single-statement upserts; reservations are admitted by
// a conditional INSERT ... SELECT so the ceiling check and the claim cannot interleave.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

const recordColumns = `tenant_id, period, analysis_count, content_count, api_call_count, updated_at`

// Get returns the record for a period, inserting a zeroed row if absent.
func (s *UsageStore) Get(ctx context.Context, tenantID string, period usage.Period, now time.Time) (usage.Record, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (tenant_id, period, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, period) DO NOTHING
	`, tenantID, period.Key(), now.UTC())
	if err != nil {
		return usage.Record{}, classify("create usage record", err)
	}
	return s.get(ctx, s.db, tenantID, period)
}

// Increment deletes the oldest active reservation for the feature and adds one
// to the counter in one transaction.
func (s *UsageStore) Increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error) {
	if !feature.Valid() {
		return usage.Record{}, fmt.Errorf("increment: unknown feature %q", feature)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.Record{}, classify("begin increment", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM usage_reservations WHERE id = (
			SELECT id FROM usage_reservations
			WHERE tenant_id = ? AND feature = ? AND expires_at > ?
			ORDER BY expires_at, id
			LIMIT 1
		)
	`, tenantID, string(feature), now.UnixNano()); err != nil {
		return usage.Record{}, classify("consume reservation", err)
	}
	if err := s.increment(ctx, tx, tenantID, period, feature, now); err != nil {
		return usage.Record{}, err
	}
	rec, err := s.get(ctx, tx, tenantID, period)
	if err != nil {
		return usage.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return usage.Record{}, classify("commit increment", err)
	}
	return rec, nil
}

// Lifetime sums a feature counter across all periods.
func (s *UsageStore) Lifetime(ctx context.Context, tenantID string, feature usage.Feature) (int64, error) {
	if !feature.Valid() {
		return 0, fmt.Errorf("lifetime: unknown feature %q", feature)
	}
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(`+feature.Column()+`), 0) FROM usage_records WHERE tenant_id = ?
	`, tenantID).Scan(&total)
	if err != nil {
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
		WHERE tenant_id = ?
		ORDER BY period DESC
		LIMIT ?
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

// Reserve sweeps expired claims and inserts a reservation only while
// used + pending < ceiling holds for the request window.
func (s *UsageStore) Reserve(ctx context.Context, req usage.ReserveRequest) (usage.ReserveResult, error) {
	if !req.Feature.Valid() || !req.Window.Valid() {
		return usage.ReserveResult{}, fmt.Errorf("reserve: invalid feature %q or window %q", req.Feature, req.Window)
	}
	nowNanos := req.Now.UnixNano()
	res := req.Reservation()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.ReserveResult{}, classify("begin reserve", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM usage_reservations WHERE tenant_id = ? AND feature = ? AND expires_at <= ?
	`, req.TenantID, string(req.Feature), nowNanos); err != nil {
		return usage.ReserveResult{}, classify("sweep reservations", err)
	}

	usedQuery, pendingQuery, args := windowQueries(req)

	result, err := tx.ExecContext(ctx, `
		INSERT INTO usage_reservations (id, tenant_id, feature, period, scope, expires_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE (`+usedQuery+`) + (`+pendingQuery+`) < ?
	`, append(append([]any{
		res.ID, res.TenantID, string(res.Feature), res.Period.Key(), string(res.Window), res.ExpiresAt.UnixNano(),
	}, args...), req.Ceiling)...)
	if err != nil {
		return usage.ReserveResult{}, classify("insert reservation", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return usage.ReserveResult{}, classify("insert reservation", err)
	}

	var used, pending int64
	err = tx.QueryRowContext(ctx, `SELECT (`+usedQuery+`), (`+pendingQuery+`)`, args...).Scan(&used, &pending)
	if err != nil {
		return usage.ReserveResult{}, classify("read window usage", err)
	}
	if err := tx.Commit(); err != nil {
		return usage.ReserveResult{}, classify("commit reserve", err)
	}

	out := usage.ReserveResult{Reserved: affected == 1, Used: used, Pending: pending}
	if out.Reserved {
		out.Reservation = res
		out.Pending--
	}
	return out, nil
}

// windowQueries returns scalar subqueries for used and pending counts in the request window.
func windowQueries(req usage.ReserveRequest) (used, pending string, args []any) {
	col := req.Feature.Column()
	nowNanos := req.Now.UnixNano()
	if req.Window == usage.WindowLifetime {
		used = `SELECT COALESCE(SUM(` + col + `), 0) FROM usage_records WHERE tenant_id = ?`
		pending = `SELECT COUNT(*) FROM usage_reservations WHERE tenant_id = ? AND feature = ? AND expires_at > ?`
		return used, pending, []any{req.TenantID, req.TenantID, string(req.Feature), nowNanos}
	}
	used = `SELECT COALESCE(SUM(` + col + `), 0) FROM usage_records WHERE tenant_id = ? AND period = ?`
	pending = `SELECT COUNT(*) FROM usage_reservations WHERE tenant_id = ? AND feature = ? AND period = ? AND expires_at > ?`
	key := req.Period.Key()
	return used, pending, []any{req.TenantID, key, req.TenantID, string(req.Feature), key, nowNanos}
}

// Commit deletes the reservation and increments its counter in one transaction.
// The increment happens even if the reservation already expired.
func (s *UsageStore) Commit(ctx context.Context, res usage.Reservation, now time.Time) (usage.Record, error) {
	if !res.Feature.Valid() {
		return usage.Record{}, fmt.Errorf("commit: unknown feature %q", res.Feature)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.Record{}, classify("begin commit", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_reservations WHERE id = ?`, res.ID); err != nil {
		return usage.Record{}, classify("delete reservation", err)
	}
	if err := s.increment(ctx, tx, res.TenantID, res.Period, res.Feature, now); err != nil {
		return usage.Record{}, err
	}
	rec, err := s.get(ctx, tx, res.TenantID, res.Period)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_reservations WHERE id = ?`, res.ID)
	return classify("release reservation", err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *UsageStore) increment(ctx context.Context, ex execer, tenantID string, period usage.Period, feature usage.Feature, now time.Time) error {
	col := feature.Column()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO usage_records (tenant_id, period, `+col+`, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(tenant_id, period) DO UPDATE SET
			`+col+` = `+col+` + 1,
			updated_at = excluded.updated_at
	`, tenantID, period.Key(), now.UTC())
	return classify("increment usage", err)
}

func (s *UsageStore) get(ctx context.Context, ex execer, tenantID string, period usage.Period) (usage.Record, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM usage_records WHERE tenant_id = ? AND period = ?
	`, tenantID, period.Key())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return usage.NewRecord(tenantID, period), nil
	}
	if err != nil {
		return usage.Record{}, classify("get usage record", err)
	}
	return rec, nil
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
