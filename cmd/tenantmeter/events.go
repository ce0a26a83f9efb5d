package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/ports"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and replay the billing event ledger",
	Long: `Inspect and replay billing events received from the payment provider.

Replay re-applies a stored event to tenant state. Transitions are idempotent,
so replaying an event that already applied leaves the tenant unchanged.

Examples:
  tenantmeter events list --type customer.subscription.updated
  tenantmeter events replay evt_123`,
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded billing events",
	RunE:  runEventsList,
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay <event-id>...",
	Short: "Re-apply recorded billing events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEventsReplay,
}

var (
	eventsType  string
	eventsLimit int
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsReplayCmd)

	eventsListCmd.Flags().StringVar(&eventsType, "type", "", "filter by provider event type")
	eventsListCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to show")
}

func runEventsList(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	records, err := app.Stores.Events.List(context.Background(), ports.EventFilter{Type: eventsType, Limit: eventsLimit})
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No billing events found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT ID\tTYPE\tRECEIVED\tBYTES")
	fmt.Fprintln(w, "--------\t----\t--------\t-----")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ProviderEventID, r.EventType, r.ReceivedAt.Format(time.RFC3339), len(r.Payload))
	}
	return w.Flush()
}

func runEventsReplay(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	out := cmd.OutOrStdout()
	var failed int
	for _, id := range args {
		outcome, err := app.Reconciler.Replay(context.Background(), id)
		if err != nil {
			fmt.Fprintf(out, "  %s %s: %v\n", crossMark, id, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "  %s %s: %s\n", checkMark, id, outcome)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events failed to replay", failed, len(args))
	}
	return nil
}
