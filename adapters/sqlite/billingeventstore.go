package sqlite

import (
	"context"
	"time"

	"github.com/artpar/tenantmeter/domain/billing"
	"github.com/artpar/tenantmeter/ports"
)

// BillingEventStore implements ports.BillingEventRepository using SQLite.
type BillingEventStore struct {
	db *DB
}

// NewBillingEventStore creates a new SQLite billing event ledger.
func NewBillingEventStore(db *DB) *BillingEventStore {
	return &BillingEventStore{db: db}
}

// RecordIfNew inserts the event once; duplicates are ignored.
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_event_id) DO NOTHING
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

// Get retrieves a ledger entry by provider event ID.
func (s *BillingEventStore) Get(ctx context.Context, providerEventID string) (billing.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT provider_event_id, event_type, payload, received_at
		FROM billing_events WHERE provider_event_id = ?
	`, providerEventID)
	rec, err := scanBillingEvent(row)
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
		WHERE ? = '' OR event_type = ?
		ORDER BY received_at DESC, provider_event_id DESC
		LIMIT ?
	`, filter.Type, filter.Type, limit)
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
		payload string
	)
	if err := row.Scan(&rec.ProviderEventID, &rec.EventType, &payload, &rec.ReceivedAt); err != nil {
		return billing.Record{}, err
	}
	rec.Payload = []byte(payload)
	return rec, nil
}

// Ensure interface compliance.
var _ ports.BillingEventRepository = (*BillingEventStore)(nil)
