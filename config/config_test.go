package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/tenantmeter/config"
	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090

database:
  driver: "postgres"
  dsn: "postgres://localhost/tenantmeter"

usage:
  backend: "redis"
  redis_url: "redis://localhost:6379/0"
  reservation_ttl: 60s

auth:
  jwt_secret: "s3cret"
  issuer: "https://id.example.com"

billing:
  provider: "stripe"
  stripe_secret_key: "sk_test_1"
  webhook_secret: "whsec_1"
  client_url: "https://app.example.com/"
  prices:
    pro: "price_pro"
    enterprise: "price_ent"

features:
  upstream_url: "http://pipeline:8000"
  timeout: 45s

limits:
  free:
    analysis: {window: lifetime, ceiling: 5}
    api_call: {window: monthly, ceiling: 1000}
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr = %s, want 127.0.0.1:9090", cfg.Server.Addr())
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %s, want postgres", cfg.Database.Driver)
	}
	if cfg.Usage.ReservationTTL != time.Minute {
		t.Errorf("ReservationTTL = %v, want 1m", cfg.Usage.ReservationTTL)
	}
	if cfg.Features.Timeout != 45*time.Second {
		t.Errorf("Features.Timeout = %v, want 45s", cfg.Features.Timeout)
	}
	if cfg.Billing.SuccessURL != "https://app.example.com/dashboard?success=true" {
		t.Errorf("SuccessURL = %s", cfg.Billing.SuccessURL)
	}
	if got := cfg.PlanPrices()[tenant.PlanEnterprise]; got != "price_ent" {
		t.Errorf("PlanPrices[enterprise] = %s, want price_ent", got)
	}

	table := cfg.LimitTable()
	l, ok := table.Lookup(tenant.PlanFree, usage.FeatureAnalysis)
	if !ok || l.Ceiling != 5 || l.Window != usage.WindowLifetime {
		t.Errorf("analysis limit = %+v, %v", l, ok)
	}
	if _, ok := table.Lookup(tenant.PlanFree, usage.FeatureContent); ok {
		t.Error("content should be unlimited when the table omits it")
	}
	if l, ok := table.Lookup(tenant.PlanFree, usage.FeatureAPICall); !ok || l.Ceiling != 1000 {
		t.Errorf("api_call limit = %+v, %v", l, ok)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, minimalConfig())

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %s, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "tenantmeter.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Usage.Backend != "sql" {
		t.Errorf("Usage.Backend = %s, want sql", cfg.Usage.Backend)
	}
	if cfg.Usage.ReservationTTL != 2*time.Minute {
		t.Errorf("ReservationTTL = %v, want 2m", cfg.Usage.ReservationTTL)
	}
	if cfg.Billing.Provider != "none" {
		t.Errorf("Billing.Provider = %s, want none", cfg.Billing.Provider)
	}
	if cfg.Billing.PortalReturnURL != "http://localhost:3000/settings" {
		t.Errorf("PortalReturnURL = %s", cfg.Billing.PortalReturnURL)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("CORS.AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %s", cfg.Metrics.Path)
	}
	if cfg.Auth.KeyPrefix != "tm_" {
		t.Errorf("Auth.KeyPrefix = %s, want tm_", cfg.Auth.KeyPrefix)
	}
	if cfg.OpenAPI.Enabled {
		t.Error("OpenAPI should be disabled by default")
	}

	want := entitlement.DefaultTable()
	for plan, features := range want {
		for feature, l := range features {
			got, ok := cfg.LimitTable().Lookup(plan, feature)
			if !ok || got != l {
				t.Errorf("default %s/%s = %+v, want %+v", plan, feature, got, l)
			}
		}
	}
}

func TestLoad_EmptyLimitsMeansUnlimited(t *testing.T) {
	cfg := writeAndLoad(t, minimalConfig()+"limits: {}\n")

	if _, ok := cfg.LimitTable().Lookup(tenant.PlanFree, usage.FeatureAnalysis); ok {
		t.Error("explicit empty limits should disable the defaults")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")

	cfg := writeAndLoad(t, `
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`)
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %s, want from-env", cfg.Auth.JWTSecret)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing jwt secret", "server:\n  port: 8080\n", "auth.jwt_secret"},
		{"bad port", minimalConfig() + "server:\n  port: 70000\n", "server.port"},
		{"bad driver", minimalConfig() + "database:\n  driver: mysql\n", "database.driver"},
		{"postgres without dsn", minimalConfig() + "database:\n  driver: postgres\n", "database.dsn"},
		{"bad usage backend", minimalConfig() + "usage:\n  backend: memcached\n", "usage.backend"},
		{"redis without url", minimalConfig() + "usage:\n  backend: redis\n", "usage.redis_url"},
		{"short ttl", minimalConfig() + "usage:\n  reservation_ttl: 10ms\n", "reservation_ttl"},
		{"ttl within pipeline timeout", minimalConfig() + "usage:\n  reservation_ttl: 60s\nfeatures:\n  timeout: 60s\n", "longer than features.timeout"},
		{"ttl under default pipeline timeout", minimalConfig() + "usage:\n  reservation_ttl: 30s\n", "longer than features.timeout"},
		{"long key prefix", minimalConfig() + "  key_prefix: tenantmeter_\n", "auth.key_prefix"},
		{"bad provider", minimalConfig() + "billing:\n  provider: paypal\n", "billing.provider"},
		{"stripe without key", minimalConfig() + "billing:\n  provider: stripe\n  webhook_secret: whsec\n", "stripe_secret_key"},
		{"stripe without webhook secret", minimalConfig() + "billing:\n  provider: stripe\n  stripe_secret_key: sk\n", "webhook_secret"},
		{"price for free plan", minimalConfig() + "billing:\n  prices:\n    free: price_x\n", "not a paid plan"},
		{"relative upstream", minimalConfig() + "features:\n  upstream_url: /pipeline\n", "features.upstream_url"},
		{"bad log level", minimalConfig() + "logging:\n  level: loud\n", "logging.level"},
		{"bad log format", minimalConfig() + "logging:\n  format: xml\n", "logging.format"},
		{"unknown plan", minimalConfig() + "limits:\n  gold:\n    analysis: {window: monthly, ceiling: 1}\n", "gold"},
		{"unknown feature", minimalConfig() + "limits:\n  free:\n    images: {window: monthly, ceiling: 1}\n", "images"},
		{"unknown window", minimalConfig() + "limits:\n  free:\n    analysis: {window: weekly, ceiling: 1}\n", "weekly"},
		{"negative ceiling", minimalConfig() + "limits:\n  free:\n    analysis: {window: monthly, ceiling: -1}\n", "ceiling"},
		{"paid plan limits", minimalConfig() + "limits:\n  pro:\n    analysis: {window: monthly, ceiling: 1}\n", "unlimited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writeAndLoadErr(t, tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := writeAndLoadErr(t, "auth: [unclosed")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TENANTMETER_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("TENANTMETER_DATABASE_DSN", "/tmp/meter.db")
	t.Setenv("TENANTMETER_BILLING_PROVIDER", "dummy")
	t.Setenv("TENANTMETER_STRIPE_PRICE_PRO", "price_env")
	t.Setenv("TENANTMETER_METRICS_ENABLED", "yes")
	t.Setenv("TENANTMETER_OPENAPI_ENABLED", "true")
	t.Setenv("TENANTMETER_AUTH_KEY_PREFIX", "acme_")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %s", cfg.Auth.JWTSecret)
	}
	if cfg.Database.DSN != "/tmp/meter.db" {
		t.Errorf("DSN = %s", cfg.Database.DSN)
	}
	if cfg.Billing.Provider != "dummy" {
		t.Errorf("Provider = %s", cfg.Billing.Provider)
	}
	if cfg.PlanPrices()[tenant.PlanPro] != "price_env" {
		t.Errorf("PlanPrices = %v", cfg.PlanPrices())
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be true")
	}
	if !cfg.OpenAPI.Enabled {
		t.Error("OpenAPI.Enabled should be true")
	}
	if cfg.Auth.KeyPrefix != "acme_" {
		t.Errorf("KeyPrefix = %s, want acme_", cfg.Auth.KeyPrefix)
	}
}

func TestLoadFromEnv_MissingRequired(t *testing.T) {
	t.Setenv("TENANTMETER_AUTH_JWT_SECRET", "")

	if _, err := config.LoadFromEnv(); err == nil {
		t.Error("expected error without a jwt secret")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TENANTMETER_SERVER_PORT", "9999")
	t.Setenv("TENANTMETER_USAGE_RESERVATION_TTL", "150s")
	t.Setenv("TENANTMETER_LOG_LEVEL", "debug")

	cfg := writeAndLoad(t, minimalConfig()+"server:\n  port: 8081\nlogging:\n  level: warn\n")

	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Usage.ReservationTTL != 150*time.Second {
		t.Errorf("ReservationTTL = %v, want 150s", cfg.Usage.ReservationTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("TENANTMETER_SERVER_PORT", "not-a-number")
	t.Setenv("TENANTMETER_USAGE_RESERVATION_TTL", "forever")

	cfg := writeAndLoad(t, minimalConfig())
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Usage.ReservationTTL != 2*time.Minute {
		t.Errorf("ReservationTTL = %v, want default 2m", cfg.Usage.ReservationTTL)
	}
}

func TestLoadWithFallback(t *testing.T) {
	t.Run("file exists", func(t *testing.T) {
		path := writeConfig(t, minimalConfig()+"server:\n  port: 7070\n")
		cfg, err := config.LoadWithFallback(path)
		if err != nil {
			t.Fatalf("LoadWithFallback error: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("Port = %d, want 7070", cfg.Server.Port)
		}
	})

	t.Run("env only", func(t *testing.T) {
		t.Setenv("TENANTMETER_AUTH_JWT_SECRET", "env-secret")
		cfg, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadWithFallback error: %v", err)
		}
		if cfg.Auth.JWTSecret != "env-secret" {
			t.Errorf("JWTSecret = %s", cfg.Auth.JWTSecret)
		}
	})

	t.Run("nothing", func(t *testing.T) {
		t.Setenv("TENANTMETER_AUTH_JWT_SECRET", "")
		if _, err := config.LoadWithFallback(""); err == nil {
			t.Error("expected error with no config source")
		}
	})
}

func TestHasEnvConfig(t *testing.T) {
	t.Setenv("TENANTMETER_AUTH_JWT_SECRET", "")
	if config.HasEnvConfig() {
		t.Error("HasEnvConfig should be false without a secret")
	}
	t.Setenv("TENANTMETER_AUTH_JWT_SECRET", "x")
	if !config.HasEnvConfig() {
		t.Error("HasEnvConfig should be true with a secret")
	}
}

func TestParseBoolValues(t *testing.T) {
	tests := map[string]bool{
		"true": true, "1": true, "YES": true, " on ": true,
		"false": false, "0": false, "off": false, "maybe": false,
	}
	for value, want := range tests {
		t.Run(value, func(t *testing.T) {
			t.Setenv("TENANTMETER_METRICS_ENABLED", value)
			cfg := writeAndLoad(t, minimalConfig()+"metrics:\n  enabled: "+boolYAML(!want)+"\n")
			if cfg.Metrics.Enabled != want {
				t.Errorf("parseBool(%q) = %v, want %v", value, cfg.Metrics.Enabled, want)
			}
		})
	}
}

func boolYAML(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Helpers

func minimalConfig() string {
	return "auth:\n  jwt_secret: \"test-secret\"\n"
}

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()
	return config.Load(writeConfig(t, content))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
