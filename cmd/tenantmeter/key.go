package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/app"
	"github.com/artpar/tenantmeter/domain/key"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage tenant API keys",
	Long: `Issue, list and revoke the API keys tenants use on /v1 feature calls.

Examples:
  tenantmeter key create org_123 --name "ci runner"
  tenantmeter key create org_123 --ttl 720h
  tenantmeter key list org_123
  tenantmeter key revoke org_123 key_0123456789abcdef`,
}

var keyCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Issue a key and print it once",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyCreate,
}

var keyListCmd = &cobra.Command{
	Use:   "list <tenant-id>",
	Short: "List a tenant's keys",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyList,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <tenant-id> <key-id>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyRevoke,
}

var (
	keyName string
	keyTTL  time.Duration
)

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyCreateCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRevokeCmd)

	keyCreateCmd.Flags().StringVar(&keyName, "name", "", "label shown in key listings")
	keyCreateCmd.Flags().DurationVar(&keyTTL, "ttl", 0, "lifetime of the key (0 = never expires)")
}

func runKeyCreate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	raw, k, err := a.Keys.Create(context.Background(), app.CreateKeyRequest{
		TenantID: args[0],
		Name:     keyName,
		TTL:      keyTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:      %s\n", k.ID)
	fmt.Fprintf(out, "Tenant:  %s\n", k.TenantID)
	if k.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", k.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Key:     %s\n", raw)
	fmt.Fprintln(out, "\nStore the key now; it cannot be shown again.")
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	keys, err := a.Keys.List(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No keys found.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tNAME\tSTATE\tCREATED\tLAST USED")
	fmt.Fprintln(w, "--\t------\t----\t-----\t-------\t---------")
	for _, k := range keys {
		lastUsed := "-"
		if k.LastUsed != nil {
			lastUsed = k.LastUsed.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Prefix, orDash(k.Name), keyState(k, now), k.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
	}
	return w.Flush()
}

func keyState(k key.Key, now time.Time) string {
	switch key.Validate(k, now).Reason {
	case key.ReasonRevoked:
		return "revoked"
	case key.ReasonExpired:
		return "expired"
	default:
		return "active"
	}
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	if err := a.Keys.Revoke(context.Background(), args[0], args[1]); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[1])
	return nil
}
