package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tenantmeter/adapters/clock"
	"github.com/artpar/tenantmeter/adapters/hasher"
	"github.com/artpar/tenantmeter/adapters/memory"
	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/ports"
)

type keyEnv struct {
	keys    *memory.KeyStore
	tenants *memory.TenantStore
	clock   *clock.Fake
	svc     *app.KeyService
}

func newKeyEnv(t *testing.T) *keyEnv {
	t.Helper()
	env := &keyEnv{
		keys:    memory.NewKeyStore(),
		tenants: memory.NewTenantStore(),
		clock:   clock.NewFake(testNow),
	}
	env.svc = app.NewKeyService(app.KeyDeps{
		Keys:    env.keys,
		Tenants: env.tenants,
		Hasher:  hasher.Plain{},
		Clock:   env.clock,
	}, "", zerolog.Nop())
	return env
}

func TestKeyService_CreateAndAuthenticate(t *testing.T) {
	env := newKeyEnv(t)
	ctx := context.Background()

	raw, k, err := env.svc.Create(ctx, app.CreateKeyRequest{TenantID: "org_1", Name: "ci"})
	require.NoError(t, err)
	assert.Equal(t, "org_1", k.TenantID)
	assert.Equal(t, "ci", k.Name)
	assert.Equal(t, raw, string(k.Hash), "the plain hasher stores the raw key")
	assert.Equal(t, raw[:key.LookupLen], k.Prefix)

	_, err = env.tenants.Get(ctx, "org_1")
	assert.NoError(t, err, "creating a key registers the tenant")

	env.clock.Advance(time.Minute)
	got, err := env.svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)

	list, err := env.svc.List(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastUsed)
	assert.True(t, list[0].LastUsed.Equal(testNow.Add(time.Minute)))
}

func TestKeyService_AuthenticateFailures(t *testing.T) {
	env := newKeyEnv(t)
	ctx := context.Background()

	revokedRaw, revoked, err := env.svc.Create(ctx, app.CreateKeyRequest{TenantID: "t1"})
	require.NoError(t, err)
	require.NoError(t, env.svc.Revoke(ctx, "t1", revoked.ID))

	expiringRaw, _, err := env.svc.Create(ctx, app.CreateKeyRequest{TenantID: "t1", TTL: time.Hour})
	require.NoError(t, err)
	env.clock.Advance(2 * time.Hour)

	unknown, _, err := key.Generate(key.DefaultPrefix, "t1", testNow)
	require.NoError(t, err)

	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"bad format", "not-a-key", key.ReasonBadFormat},
		{"wrong prefix", "xx_" + revokedRaw[3:], key.ReasonBadFormat},
		{"unknown key", unknown, key.ReasonNotFound},
		{"revoked key", revokedRaw, key.ReasonRevoked},
		{"expired key", expiringRaw, key.ReasonExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Authenticate(ctx, tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, app.ErrInvalidKey)
			assert.Equal(t, tt.reason, app.KeyReason(err))
		})
	}
}

func TestKeyService_RevokeIsTenantScoped(t *testing.T) {
	env := newKeyEnv(t)
	ctx := context.Background()

	raw, k, err := env.svc.Create(ctx, app.CreateKeyRequest{TenantID: "t1"})
	require.NoError(t, err)

	err = env.svc.Revoke(ctx, "t2", k.ID)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	_, err = env.svc.Authenticate(ctx, raw)
	assert.NoError(t, err, "a foreign revoke must not disable the key")
}

func TestKeyService_Validation(t *testing.T) {
	env := newKeyEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.Create(ctx, app.CreateKeyRequest{})
	assert.ErrorIs(t, err, app.ErrTenantRequired)

	_, _, err = env.svc.Create(ctx, app.CreateKeyRequest{TenantID: "t1", TTL: -time.Second})
	assert.Error(t, err)

	_, err = env.svc.List(ctx, "")
	assert.ErrorIs(t, err, app.ErrTenantRequired)
	assert.ErrorIs(t, env.svc.Revoke(ctx, "", "key_x"), app.ErrTenantRequired)
}

// downKeys fails lookups the way a disconnected database does.
type downKeys struct {
	ports.KeyRepository
}

func (downKeys) GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error) {
	return nil, ports.Unavailable("get keys by prefix", errConnRefused)
}

func TestKeyService_StoreFailureIsNotInvalidKey(t *testing.T) {
	svc := app.NewKeyService(app.KeyDeps{
		Keys:    downKeys{memory.NewKeyStore()},
		Tenants: memory.NewTenantStore(),
		Hasher:  hasher.Plain{},
		Clock:   clock.NewFake(testNow),
	}, "", zerolog.Nop())

	raw, _, err := key.Generate(key.DefaultPrefix, "t1", testNow)
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), raw)
	require.Error(t, err)
	assert.False(t, errors.Is(err, app.ErrInvalidKey))
	assert.ErrorIs(t, err, ports.ErrStoreUnavailable)
	assert.Empty(t, app.KeyReason(err))
}
