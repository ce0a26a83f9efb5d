package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/domain/tenant"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Inspect tenants",
	Long: `Inspect tenant plan and subscription state.

Examples:
  tenantmeter tenant show org_123
  tenantmeter tenant show --customer cus_123
  tenantmeter tenant list --limit 20`,
}

var tenantShowCmd = &cobra.Command{
	Use:   "show [tenant-id]",
	Short: "Show one tenant",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTenantShow,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE:  runTenantList,
}

var (
	tenantCustomerID string
	tenantLimit      int
	tenantOffset     int
)

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantShowCmd)
	tenantCmd.AddCommand(tenantListCmd)

	tenantShowCmd.Flags().StringVar(&tenantCustomerID, "customer", "", "look up by payment customer id")
	tenantListCmd.Flags().IntVar(&tenantLimit, "limit", 50, "maximum tenants to show")
	tenantListCmd.Flags().IntVar(&tenantOffset, "offset", 0, "tenants to skip")
}

func runTenantShow(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && tenantCustomerID == "" {
		return fmt.Errorf("either a tenant id or --customer is required")
	}

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	var t tenant.Tenant
	if tenantCustomerID != "" {
		t, err = app.Tenants.GetByCustomerID(context.Background(), tenantCustomerID)
	} else {
		t, err = app.Tenants.Get(context.Background(), args[0])
	}
	if err != nil {
		return fmt.Errorf("tenant not found: %w", err)
	}

	printTenant(cmd.OutOrStdout(), t)
	return nil
}

func printTenant(out io.Writer, t tenant.Tenant) {
	fmt.Fprintf(out, "ID:           %s\n", t.ID)
	fmt.Fprintf(out, "Plan:         %s\n", t.Plan)
	fmt.Fprintf(out, "Status:       %s\n", t.Status)
	fmt.Fprintf(out, "Customer:     %s\n", orDash(t.PaymentCustomerID))
	fmt.Fprintf(out, "Subscription: %s\n", orDash(t.PaymentSubscriptionID))
	fmt.Fprintf(out, "Created:      %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:      %s\n", t.UpdatedAt.Format(time.RFC3339))
}

func runTenantList(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	tenants, err := app.Tenants.List(context.Background(), tenantLimit, tenantOffset)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(tenants) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tenants found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLAN\tSTATUS\tCUSTOMER\tUPDATED")
	fmt.Fprintln(w, "--\t----\t------\t--------\t-------")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Plan, t.Status, orDash(t.PaymentCustomerID), t.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
