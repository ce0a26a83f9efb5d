package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/ports"
)

// KeyStore implements ports.KeyRepository using SQLite.
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a new SQLite key store.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

const keyColumns = `id, tenant_id, hash, prefix, name, expires_at, revoked_at, created_at, last_used`

// Create inserts a key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.TenantID, k.Hash, k.Prefix, k.Name,
		nullTime(k.ExpiresAt), nullTime(k.RevokedAt), k.CreatedAt.UTC(), nullTime(k.LastUsed))
	return classify("create key", err)
}

// GetByPrefix returns every key sharing a lookup prefix.
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE prefix = ?`, prefix)
	if err != nil {
		return nil, classify("get keys by prefix", err)
	}
	return scanKeys(rows)
}

// ListByTenant returns a tenant's keys, newest first.
func (s *KeyStore) ListByTenant(ctx context.Context, tenantID string) ([]key.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
	`, tenantID)
	if err != nil {
		return nil, classify("list keys", err)
	}
	return scanKeys(rows)
}

// Revoke stamps revoked_at once; a second revoke keeps the first stamp.
func (s *KeyStore) Revoke(ctx context.Context, tenantID, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = COALESCE(revoked_at, ?)
		WHERE id = ? AND tenant_id = ?
	`, at.UTC(), id, tenantID)
	if err != nil {
		return classify("revoke key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify("revoke key", err)
	}
	if affected == 0 {
		return fmt.Errorf("key %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// UpdateLastUsed records when a key last authenticated.
func (s *KeyStore) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, at.UTC(), id)
	return classify("update key last used", err)
}

func scanKeys(rows *sql.Rows) ([]key.Key, error) {
	defer rows.Close()

	var out []key.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, classify("scan key", err)
		}
		out = append(out, k)
	}
	return out, classify("iterate keys", rows.Err())
}

func scanKey(row scanner) (key.Key, error) {
	var k key.Key
	var expiresAt, revokedAt, lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.TenantID, &k.Hash, &k.Prefix, &k.Name,
		&expiresAt, &revokedAt, &k.CreatedAt, &lastUsed)
	if err != nil {
		return key.Key{}, err
	}
	k.ExpiresAt = timePtr(expiresAt)
	k.RevokedAt = timePtr(revokedAt)
	k.LastUsed = timePtr(lastUsed)
	k.CreatedAt = k.CreatedAt.UTC()
	return k, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ ports.KeyRepository = (*KeyStore)(nil)
