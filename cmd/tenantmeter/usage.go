package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/domain/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "View usage for a tenant",
	Long: `View metered usage for a tenant.

Examples:
  tenantmeter usage show org_123
  tenantmeter usage history org_123 --periods 6`,
}

var usageShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Show current-period usage and remaining quota",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsageShow,
}

var usageHistoryCmd = &cobra.Command{
	Use:   "history <tenant-id>",
	Short: "Show usage for past periods",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsageHistory,
}

var usagePeriods int

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageShowCmd)
	usageCmd.AddCommand(usageHistoryCmd)

	usageHistoryCmd.Flags().IntVar(&usagePeriods, "periods", 6, "number of periods to show")
}

func runUsageShow(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	sum, err := app.Metering.Summary(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get usage: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage for %s (%s, %s)\n", sum.Tenant.ID, sum.Tenant.Plan, sum.Tenant.Status)
	fmt.Fprintf(out, "Period: %s\n\n", sum.Period.Key())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tUSED\tWINDOW\tCEILING\tREMAINING")
	fmt.Fprintln(w, "-------\t----\t------\t-------\t---------")
	for _, f := range usage.Features {
		l, limited := sum.Limits[f]
		if !limited {
			fmt.Fprintf(w, "%s\t%d\t-\tunlimited\t-\n", f, sum.Usage.Count(f))
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n", f, l.Used, l.Window, l.Ceiling, l.Remaining)
	}
	return w.Flush()
}

func runUsageHistory(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	records, err := app.Metering.History(context.Background(), args[0], usagePeriods)
	if err != nil {
		return fmt.Errorf("failed to get usage history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No usage history found.")
		return nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Period.Key() > records[j].Period.Key() })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tANALYSIS\tCONTENT\tAPI CALLS")
	fmt.Fprintln(w, "------\t--------\t-------\t---------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", r.Period.Key(), r.Analysis, r.Content, r.APICall)
	}
	return w.Flush()
}
