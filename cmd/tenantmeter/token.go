package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tenantmeter/adapters/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Identity token helpers for local testing",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token signed with auth.jwt_secret",
	Long: `Issue a bearer token the server accepts, signed with the configured secret.
In production tokens come from the identity provider; this is for local testing.

Examples:
  tenantmeter token issue --user user_123
  tenantmeter token issue --user user_123 --org org_456 --ttl 24h`,
	RunE: runTokenIssue,
}

var (
	tokenUser string
	tokenOrg  string
	tokenTTL  time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().StringVar(&tokenUser, "user", "", "user id (sub claim)")
	tokenIssueCmd.Flags().StringVar(&tokenOrg, "org", "", "organization id (org_id claim)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenIssueCmd.MarkFlagRequired("user")
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := []auth.Option{}
	if cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, opts...)
	if err != nil {
		return err
	}

	p := auth.Principal{UserID: tokenUser, OrgID: tokenOrg}
	token, expires, err := tokens.Issue(p, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, token)
	fmt.Fprintf(cmd.ErrOrStderr(), "tenant %s, expires %s\n", p.TenantID(), expires.Format(time.RFC3339))
	return nil
}
