package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the tenantmeter configuration.

Checks:
  - YAML syntax is valid
  - Required fields are present and the limits table is well formed
  - Stores are reachable and migrated (optional)
  - Feature pipeline is reachable (optional)

Examples:
  tenantmeter validate
  tenantmeter validate --check-stores --check-upstream`,
	RunE: runValidate,
}

var (
	validateCheckStores   bool
	validateCheckUpstream bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStores, "check-stores", false, "connect to the database and usage backend")
	validateCmd.Flags().BoolVar(&validateCheckUpstream, "check-upstream", false, "check if the feature pipeline is reachable")
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "  %s Configuration valid\n", crossMark)
		return err
	}
	fmt.Fprintf(out, "  %s Configuration valid\n", checkMark)
	fmt.Fprintf(out, "  %s Database: %s\n", checkMark, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Usage backend: %s\n", checkMark, cfg.Usage.Backend)
	fmt.Fprintf(out, "  %s Billing provider: %s\n", checkMark, cfg.Billing.Provider)
	fmt.Fprintf(out, "  %s Plans with limits: %d\n", checkMark, len(cfg.LimitTable()))

	if !validateCheckStores && !validateCheckUpstream {
		return nil
	}

	app, err := openApp()
	if err != nil {
		fmt.Fprintf(out, "  %s Stores reachable\n", crossMark)
		return err
	}
	defer app.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var failed bool
	for _, c := range app.Stores.Checks {
		if !validateCheckStores {
			break
		}
		if err := c.Check(ctx); err != nil {
			fmt.Fprintf(out, "  %s %s reachable: %v\n", crossMark, c.Name, err)
			failed = true
			continue
		}
		fmt.Fprintf(out, "  %s %s reachable\n", checkMark, c.Name)
	}

	if validateCheckUpstream {
		if err := app.CheckUpstream(ctx); err != nil {
			fmt.Fprintf(out, "  %s Feature pipeline reachable: %v\n", crossMark, err)
			failed = true
		} else {
			fmt.Fprintf(out, "  %s Feature pipeline reachable\n", checkMark)
		}
	}

	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}
