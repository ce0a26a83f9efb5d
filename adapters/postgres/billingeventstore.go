package postgres

import (
	"context"
	"time"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// BillingEventStore implements ports.BillingEventRepository using PostgreSQL.
type BillingEventStore struct {
	db *DB
}

// NewBillingEventStore creates a new PostgreSQL billing event ledger.
func NewBillingEventStore(db *DB) *BillingEventStore {
	return &BillingEventStore{db: db}
}

// RecordIfNew inserts the event once; duplicates report false.
func (s *BillingEventStore) RecordIfNew(ctx context.Context, rec billing.Record) (bool, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (provider_event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING
	`, rec.ProviderEventID, rec.EventType, payload, rec.ReceivedAt.UTC())
	if err != nil {
		return false, classify("record billing event", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify("record billing event", err)
	}
	return affected == 1, nil
}

// Get retrieves a ledger entry.
func (s *BillingEventStore) Get(ctx context.Context, providerEventID string) (billing.Record, error) {
	rec, err := scanBillingEvent(s.db.QueryRowContext(ctx, `
		SELECT provider_event_id, event_type, payload, received_at
		FROM billing_events WHERE provider_event_id = $1
	`, providerEventID))
	if err != nil {
		return billing.Record{}, classify("get billing event "+providerEventID, err)
	}
	return rec, nil
}

// List returns ledger entries, newest first.
func (s *BillingEventStore) List(ctx context.Context, filter ports.EventFilter) ([]billing.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_event_id, event_type, payload, received_at
		FROM billing_events
		WHERE ($1 = '' OR event_type = $1)
		ORDER BY received_at DESC, provider_event_id DESC
		LIMIT $2
	`, filter.Type, limit)
	if err != nil {
		return nil, classify("list billing events", err)
	}
	defer rows.Close()

	var out []billing.Record
	for rows.Next() {
		rec, err := scanBillingEvent(rows)
		if err != nil {
			return nil, classify("scan billing event", err)
		}
		out = append(out, rec)
	}
	return out, classify("list billing events", rows.Err())
}

func scanBillingEvent(row scanner) (billing.Record, error) {
	var (
		rec     billing.Record
		payload []byte
	)
	if err := row.Scan(&rec.ProviderEventID, &rec.EventType, &payload, &rec.ReceivedAt); err != nil {
		return billing.Record{}, err
	}
	rec.Payload = payload
	return rec, nil
}

// Ensure interface compliance.
var _ ports.BillingEventRepository = (*BillingEventStore)(nil)
