// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file (or the environment) held by a
// config.Holder, so limits and log level follow reloads without a restart.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/tenantmeter/adapters/auth"
	"github.com/artpar/tenantmeter/adapters/clock"
	"github.com/artpar/tenantmeter/adapters/hasher"
	apihttp "github.com/artpar/tenantmeter/adapters/http"
	"github.com/artpar/tenantmeter/adapters/idgen"
	"github.com/artpar/tenantmeter/adapters/metrics"
	"github.com/artpar/tenantmeter/adapters/payment"
	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/config"
	"github.com/artpar/tenantmeter/ports"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	HTTPServer *http.Server
	Stores     *Stores
	Tokens     *auth.TokenService

	// Services
	Tenants    *app.TenantService
	Metering   *app.MeteringService
	Gate       *app.Gate
	Reconciler *app.Reconciler
	Billing    *app.BillingService
	Keys       *app.KeyService

	provider ports.PaymentProvider
	upstream *apihttp.UpstreamClient
}

// Options customizes initialization.
type Options struct {
	// LogOutput receives log lines. Defaults to stdout.
	LogOutput io.Writer

	// Clock overrides the wall clock, for tests.
	Clock ports.Clock
}

// New creates and initializes the application from the holder's configuration.
func New(holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stdout
	}
	var clk ports.Clock = clock.Real{}
	if opts.Clock != nil {
		clk = opts.Clock
	}

	logger := NewLogger(cfg.Logging, opts.LogOutput)
	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("usage_backend", cfg.Usage.Backend).
		Str("billing", cfg.Billing.Provider).
		Msg("initializing tenantmeter")

	a := &App{
		Logger:   logger,
		Config:   holder,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewWithRegistry(a.Registry)
	a.watchConfig()

	stores, err := OpenStores(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	a.Stores = stores

	if err := a.initServices(cfg, clk); err != nil {
		a.Stores.Close()
		return nil, err
	}
	if err := a.initHTTPServer(cfg); err != nil {
		a.Stores.Close()
		return nil, fmt.Errorf("init http server: %w", err)
	}
	return a, nil
}

func (a *App) initServices(cfg *config.Config, clk ports.Clock) error {
	provider, err := payment.NewProvider(payment.Config{
		Provider:      cfg.Billing.Provider,
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.WebhookSecret,
		Prices:        cfg.PlanPrices(),
	})
	if err != nil {
		return fmt.Errorf("init payment provider: %w", err)
	}
	a.provider = provider

	tokenOpts := []auth.Option{auth.WithLeeway(cfg.Auth.Leeway)}
	if cfg.Auth.Issuer != "" {
		tokenOpts = append(tokenOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, tokenOpts...)
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}
	a.Tokens = tokens

	s := a.Stores
	a.Tenants = app.NewTenantService(s.Tenants, clk, a.Logger)
	a.Metering = app.NewMeteringService(app.MeteringDeps{
		Usage:   s.Usage,
		Tenants: s.Tenants,
		Limits:  a.Config,
		Clock:   clk,
	}, a.Logger)
	a.Gate = app.NewGate(app.GateDeps{
		Tenants: s.Tenants,
		Usage:   s.Usage,
		Limits:  a.Config,
		Clock:   clk,
		IDGen:   idgen.UUID{},
		Metrics: a.Metrics,
	}, app.GateConfig{ReservationTTL: cfg.Usage.ReservationTTL}, a.Logger)
	a.Reconciler = app.NewReconciler(app.ReconcilerDeps{
		Tenants:  s.Tenants,
		Events:   s.Events,
		Provider: provider,
		Clock:    clk,
		Metrics:  a.Metrics,
	}, a.Logger)
	a.Keys = app.NewKeyService(app.KeyDeps{
		Keys:    s.Keys,
		Tenants: s.Tenants,
		Hasher:  hasher.NewBcrypt(cfg.Auth.BcryptCost),
		Clock:   clk,
	}, cfg.Auth.KeyPrefix, a.Logger)
	a.Billing = app.NewBillingService(s.Tenants, provider, clk, app.BillingConfig{
		Prices:          cfg.PlanPrices(),
		SuccessURL:      cfg.Billing.SuccessURL,
		CancelURL:       cfg.Billing.CancelURL,
		PortalReturnURL: cfg.Billing.PortalReturnURL,
	}, a.Logger)
	return nil
}

func (a *App) initHTTPServer(cfg *config.Config) error {
	checks := append([]apihttp.HealthCheck(nil), a.Stores.Checks...)
	routerCfg := apihttp.RouterConfig{
		Logger:         a.Logger,
		Tokens:         a.Tokens,
		APIKeys:        a.Keys,
		EnableOpenAPI:  cfg.OpenAPI.Enabled,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		Webhook:        apihttp.NewWebhookHandler(a.provider, a.Reconciler, a.Metrics, a.Logger),
		Billing:        apihttp.NewBillingHandler(a.Billing, a.Logger),
		Usage:          apihttp.NewUsageHandler(a.Metering, a.Logger),
		Keys:           apihttp.NewKeyHandler(a.Keys, a.Logger),
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = a.Metrics
		routerCfg.Gatherer = a.Registry
		routerCfg.MetricsPath = cfg.Metrics.Path
	}

	if cfg.Features.UpstreamURL != "" {
		upstream, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
			BaseURL: cfg.Features.UpstreamURL,
			Timeout: cfg.Features.Timeout,
			Metrics: a.Metrics,
		})
		if err != nil {
			return fmt.Errorf("init feature upstream: %w", err)
		}
		a.upstream = upstream
		routerCfg.Features = apihttp.NewFeatureHandler(a.Gate, upstream, a.Logger)
		checks = append(checks, apihttp.HealthCheck{Name: "feature_pipeline", Check: upstream.HealthCheck})
	} else {
		a.Logger.Warn().Msg("features.upstream_url not set; /v1 routes disabled")
	}
	routerCfg.Health = apihttp.NewHealthHandler(checks...)

	a.HTTPServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           apihttp.NewRouter(routerCfg),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return nil
}

// watchConfig follows reloads: the log level is applied at once, limits are
// read live by the gate through the holder.
func (a *App) watchConfig() {
	a.Config.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	})
	a.Config.OnError(func(err error) {
		a.Metrics.ConfigReloadErrors.Inc()
	})
}

// CheckUpstream verifies the feature pipeline is reachable.
func (a *App) CheckUpstream(ctx context.Context) error {
	if a.upstream == nil {
		return errors.New("features.upstream_url is not set")
	}
	return a.upstream.HealthCheck(ctx)
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or ctx is done,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Config.WatchFile(); err != nil {
		a.Logger.Debug().Err(err).Msg("config file watch disabled")
	}
	a.Config.WatchSignals()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info().Msg("shutting down")
		return a.Shutdown()
	})
	return g.Wait()
}

// Shutdown gracefully stops the server and releases every resource.
func (a *App) Shutdown() error {
	timeout := a.Config.Get().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	a.Config.Stop()
	if a.upstream != nil {
		a.upstream.Close()
	}
	if a.Stores != nil {
		if err := a.Stores.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// NewLogger builds the process logger and sets the global level.
// An unparsable level falls back to info.
func NewLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
