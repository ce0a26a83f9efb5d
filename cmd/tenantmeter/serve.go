package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/bootstrap"
	"github.com/artpar/tenantmeter/config"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the tenantmeter HTTP server.

The server will:
  - Load configuration from tenantmeter.yaml (or --config)
  - Or load configuration from TENANTMETER_* environment variables
  - Open the database and run migrations
  - Serve billing webhooks, checkout, usage and quota-guarded /v1 calls
  - Reload limits and log level on file change or SIGHUP

Environment variables (for container deployments):
  TENANTMETER_AUTH_JWT_SECRET        - identity token secret (required)
  TENANTMETER_DATABASE_DSN           - database path or URL (default: tenantmeter.db)
  TENANTMETER_STRIPE_SECRET_KEY      - Stripe API key
  TENANTMETER_STRIPE_WEBHOOK_SECRET  - Stripe webhook signing secret
  TENANTMETER_FEATURES_UPSTREAM_URL  - feature pipeline base URL

Examples:
  tenantmeter serve
  tenantmeter serve --config /etc/tenantmeter/config.yaml
  tenantmeter serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	var holder *config.Holder
	if _, err := os.Stat(cfgFile); err == nil && hotReload {
		h, err := config.NewHolder(cfgFile, zerolog.Nop())
		if err != nil {
			return err
		}
		holder = h
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		holder = config.NewStaticHolder(cfg, zerolog.Nop())
	}

	app, err := bootstrap.New(holder, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	// Reload events are logged with the application logger.
	holder.SetLogger(app.Logger.With().Str("component", "config").Logger())

	return app.Run(context.Background())
}
