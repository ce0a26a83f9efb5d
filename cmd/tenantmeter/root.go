package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/bootstrap"
	"github.com/artpar/tenantmeter/config"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenantmeter",
	Short: "Tenant plans, usage metering and quota enforcement",
	Long: `tenantmeter tracks which plan each tenant is on, meters feature usage
per period, refuses calls over the plan's ceiling and keeps tenant state in
step with the payment provider's webhooks.

Quick start:
  tenantmeter validate   # Check the configuration
  tenantmeter serve      # Start the HTTP server

Operations:
  tenantmeter tenant show <id>
  tenantmeter usage show <id>
  tenantmeter events list
  tenantmeter events replay <event-id>
  tenantmeter limits show
  tenantmeter key create <tenant-id>
  tenantmeter token issue --user <id>`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tenantmeter.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
}

// loadEnvFile loads a dotenv file if it exists. Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the config file, or the environment when no file exists.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp wires the application for one-shot commands. Logs are discarded;
// failures come back as errors.
func openApp() (*bootstrap.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := bootstrap.New(config.NewStaticHolder(cfg, zerolog.Nop()), bootstrap.Options{LogOutput: io.Discard})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return a, nil
}
