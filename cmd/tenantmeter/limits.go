package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the plan limits table",
}

var limitsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective limits for every plan",
	Long: `Print the effective limits table after defaults and validation.
Features not listed for a plan are unlimited.`,
	RunE: runLimitsShow,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
	limitsCmd.AddCommand(limitsShowCmd)
}

func runLimitsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table := cfg.LimitTable()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLAN\tFEATURE\tWINDOW\tCEILING")
	fmt.Fprintln(w, "----\t-------\t------\t-------")
	for _, plan := range tenant.Plans {
		features := make([]usage.Feature, 0, len(table[plan]))
		for f := range table[plan] {
			features = append(features, f)
		}
		if len(features) == 0 {
			fmt.Fprintf(w, "%s\t*\t-\tunlimited\n", plan)
			continue
		}
		sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
		for _, f := range features {
			l := table[plan][f]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", plan, f, l.Window, l.Ceiling)
		}
	}
	return w.Flush()
}
