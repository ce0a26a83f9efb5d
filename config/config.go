// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/artpar/tenantmeter/domain/entitlement"
	"github.com/artpar/tenantmeter/domain/key"
	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TENANTMETER_"

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Usage    UsageConfig    `yaml:"usage"`
	Auth     AuthConfig     `yaml:"auth"`
	Billing  BillingConfig  `yaml:"billing"`
	Features FeaturesConfig `yaml:"features"`
	CORS     CORSConfig     `yaml:"cors"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	OpenAPI  OpenAPIConfig  `yaml:"openapi"`

	// Limits maps plan -> feature -> limit. Omitted means the built-in defaults;
	// an explicit empty map means no limits at all.
	Limits map[string]map[string]LimitConfig `yaml:"limits"`

	limits entitlement.Table
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// UsageConfig configures where counters and reservations live.
type UsageConfig struct {
	Backend        string        `yaml:"backend"` // "sql" (the database) or "redis"
	RedisURL       string        `yaml:"redis_url,omitempty"`
	RedisPrefix    string        `yaml:"redis_prefix,omitempty"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

// AuthConfig configures identity token verification and tenant API keys.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	Issuer     string        `yaml:"issuer,omitempty"`
	Leeway     time.Duration `yaml:"leeway,omitempty"`
	KeyPrefix  string        `yaml:"key_prefix"`
	BcryptCost int           `yaml:"bcrypt_cost,omitempty"`
}

// BillingConfig configures the payment provider.
type BillingConfig struct {
	Provider        string            `yaml:"provider"` // "none", "stripe" or "dummy"
	StripeSecretKey string            `yaml:"stripe_secret_key,omitempty"`
	WebhookSecret   string            `yaml:"webhook_secret,omitempty"`
	Prices          map[string]string `yaml:"prices,omitempty"` // plan -> price id
	ClientURL       string            `yaml:"client_url"`
	SuccessURL      string            `yaml:"success_url,omitempty"`
	CancelURL       string            `yaml:"cancel_url,omitempty"`
	PortalReturnURL string            `yaml:"portal_return_url,omitempty"`
}

// FeaturesConfig configures the external feature pipeline behind /v1.
type FeaturesConfig struct {
	UpstreamURL string        `yaml:"upstream_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// CORSConfig configures cross-origin access for the browser client.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// OpenAPIConfig configures the OpenAPI document and Swagger UI.
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LimitConfig is one ceiling in the limits table.
type LimitConfig struct {
	Window  string `yaml:"window"` // "monthly" or "lifetime"
	Ceiling int64  `yaml:"ceiling"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds configuration from YAML bytes, expanding ${VAR} references
// and applying TENANTMETER_* overrides.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(&cfg)
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	TENANTMETER_AUTH_JWT_SECRET       - identity token secret (required)
//	TENANTMETER_DATABASE_DRIVER       - sqlite or postgres (default: sqlite)
//	TENANTMETER_DATABASE_DSN          - database path or URL (default: tenantmeter.db)
//	TENANTMETER_USAGE_BACKEND         - sql or redis (default: sql)
//	TENANTMETER_USAGE_REDIS_URL       - redis:// URL when the backend is redis
//	TENANTMETER_BILLING_PROVIDER      - none, stripe or dummy (default: none)
//	TENANTMETER_STRIPE_SECRET_KEY     - Stripe API key
//	TENANTMETER_STRIPE_WEBHOOK_SECRET - Stripe webhook signing secret
//	TENANTMETER_CLIENT_URL            - browser client base URL
//	TENANTMETER_FEATURES_UPSTREAM_URL - feature pipeline URL
//	TENANTMETER_AUTH_KEY_PREFIX       - prefix of issued API keys (default: tm_)
//	TENANTMETER_OPENAPI_ENABLED       - serve /.well-known/openapi.json and /swagger/
//	TENANTMETER_LOG_LEVEL             - debug, info, warn, error (default: info)
func LoadFromEnv() (*Config, error) {
	return finish(&Config{})
}

// LoadWithFallback loads the file when it exists, else the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, fmt.Errorf("no configuration found: provide %s or set %sAUTH_JWT_SECRET", path, EnvPrefix)
}

// HasEnvConfig reports whether the environment carries enough to run.
func HasEnvConfig() bool {
	return os.Getenv(EnvPrefix+"AUTH_JWT_SECRET") != ""
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LimitTable returns the validated limits table. Callers must not mutate it.
func (c *Config) LimitTable() entitlement.Table {
	return c.limits
}

// PlanPrices returns the configured price id per paid plan.
func (c *Config) PlanPrices() map[tenant.Plan]string {
	out := make(map[tenant.Plan]string, len(c.Billing.Prices))
	for plan, price := range c.Billing.Prices {
		out[tenant.Plan(plan)] = price
	}
	return out
}

// applyEnvOverrides applies TENANTMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	// Server configuration
	str("SERVER_HOST", &cfg.Server.Host)
	if v := os.Getenv(EnvPrefix + "SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	dur("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	// Storage configuration
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("USAGE_BACKEND", &cfg.Usage.Backend)
	str("USAGE_REDIS_URL", &cfg.Usage.RedisURL)
	dur("USAGE_RESERVATION_TTL", &cfg.Usage.ReservationTTL)

	// Auth configuration
	str("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	str("AUTH_KEY_PREFIX", &cfg.Auth.KeyPrefix)

	// Billing configuration
	str("BILLING_PROVIDER", &cfg.Billing.Provider)
	str("STRIPE_SECRET_KEY", &cfg.Billing.StripeSecretKey)
	str("STRIPE_WEBHOOK_SECRET", &cfg.Billing.WebhookSecret)
	str("CLIENT_URL", &cfg.Billing.ClientURL)
	for _, plan := range []tenant.Plan{tenant.PlanPro, tenant.PlanEnterprise} {
		if v := os.Getenv(EnvPrefix + "STRIPE_PRICE_" + strings.ToUpper(string(plan))); v != "" {
			if cfg.Billing.Prices == nil {
				cfg.Billing.Prices = map[string]string{}
			}
			cfg.Billing.Prices[string(plan)] = v
		}
	}

	// Feature pipeline configuration
	str("FEATURES_UPSTREAM_URL", &cfg.Features.UpstreamURL)
	dur("FEATURES_TIMEOUT", &cfg.Features.Timeout)

	// Logging configuration
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	if v := os.Getenv(EnvPrefix + "OPENAPI_ENABLED"); v != "" {
		cfg.OpenAPI.Enabled = parseBool(v)
	}

	// Metrics configuration
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "tenantmeter.db"
	}

	if cfg.Usage.Backend == "" {
		cfg.Usage.Backend = "sql"
	}
	if cfg.Usage.ReservationTTL == 0 {
		cfg.Usage.ReservationTTL = 2 * time.Minute
	}

	if cfg.Auth.KeyPrefix == "" {
		cfg.Auth.KeyPrefix = key.DefaultPrefix
	}

	if cfg.Billing.Provider == "" {
		cfg.Billing.Provider = "none"
	}
	if cfg.Billing.ClientURL == "" {
		cfg.Billing.ClientURL = "http://localhost:3000"
	}
	base := strings.TrimRight(cfg.Billing.ClientURL, "/")
	if cfg.Billing.SuccessURL == "" {
		cfg.Billing.SuccessURL = base + "/dashboard?success=true"
	}
	if cfg.Billing.CancelURL == "" {
		cfg.Billing.CancelURL = base + "/pricing?canceled=true"
	}
	if cfg.Billing.PortalReturnURL == "" {
		cfg.Billing.PortalReturnURL = base + "/settings"
	}

	if cfg.Features.Timeout == 0 {
		cfg.Features.Timeout = 90 * time.Second
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{cfg.Billing.ClientURL}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch cfg.Usage.Backend {
	case "sql":
	case "redis":
		if cfg.Usage.RedisURL == "" {
			return fmt.Errorf("usage.redis_url is required when usage.backend is 'redis'")
		}
	default:
		return fmt.Errorf("usage.backend must be 'sql' or 'redis', got %q", cfg.Usage.Backend)
	}
	if cfg.Usage.ReservationTTL < time.Second {
		return fmt.Errorf("usage.reservation_ttl must be at least 1s")
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	// The lookup prefix must reach into the random part of the key.
	if len(cfg.Auth.KeyPrefix) > 8 {
		return fmt.Errorf("auth.key_prefix must be at most 8 characters, got %q", cfg.Auth.KeyPrefix)
	}

	switch cfg.Billing.Provider {
	case "none", "dummy":
	case "stripe":
		if cfg.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing.provider is 'stripe'")
		}
		if cfg.Billing.WebhookSecret == "" {
			return fmt.Errorf("billing.webhook_secret is required when billing.provider is 'stripe'")
		}
	default:
		return fmt.Errorf("billing.provider must be one of: none, stripe, dummy")
	}
	for plan := range cfg.Billing.Prices {
		if !tenant.Plan(plan).IsPaid() {
			return fmt.Errorf("billing.prices: %q is not a paid plan", plan)
		}
	}

	if cfg.Features.UpstreamURL != "" {
		u, err := url.Parse(cfg.Features.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("features.upstream_url must be an absolute URL, got %q", cfg.Features.UpstreamURL)
		}
	}
	// A claim must outlive the slowest pipeline call it guards.
	if cfg.Usage.ReservationTTL <= cfg.Features.Timeout {
		return fmt.Errorf("usage.reservation_ttl (%s) must be longer than features.timeout (%s)",
			cfg.Usage.ReservationTTL, cfg.Features.Timeout)
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	table, err := buildLimits(cfg.Limits)
	if err != nil {
		return err
	}
	cfg.limits = table
	return nil
}

func buildLimits(raw map[string]map[string]LimitConfig) (entitlement.Table, error) {
	if raw == nil {
		return entitlement.DefaultTable(), nil
	}
	table := make(entitlement.Table, len(raw))
	for planName, features := range raw {
		plan, err := tenant.ParsePlan(planName)
		if err != nil {
			return nil, fmt.Errorf("limits: %w", err)
		}
		inner := make(map[usage.Feature]entitlement.Limit, len(features))
		for featureName, l := range features {
			f, err := usage.ParseFeature(featureName)
			if err != nil {
				return nil, fmt.Errorf("limits.%s: %w", planName, err)
			}
			w, err := usage.ParseWindow(l.Window)
			if err != nil {
				return nil, fmt.Errorf("limits.%s.%s: %w", planName, featureName, err)
			}
			inner[f] = entitlement.Limit{Window: w, Ceiling: l.Ceiling}
		}
		table[plan] = inner
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
