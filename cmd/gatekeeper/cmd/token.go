package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/aussiebroadwan/gatekeeper/internal/app"
	"github.com/aussiebroadwan/gatekeeper/internal/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Work with gate tokens",
}

var issueFlags struct {
	subject     string
	email       string
	role        string
	permissions []string
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an access and refresh token pair",
	Long: `Issue signs a token pair with the configured secret and prints it as
JSON. Useful for local testing and service accounts.

Example:
  gatekeeper token issue --subject svc-reports --role api --permission reports:read`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Load(cfgFile)
		if err != nil {
			return err
		}
		tokens, err := app.NewTokenService(cfg.Token)
		if err != nil {
			return err
		}

		pair, err := tokens.IssuePair(cmd.Context(), &domain.Principal{
			ID:          issueFlags.subject,
			Email:       issueFlags.email,
			Role:        jwtx.Role(issueFlags.role),
			Permissions: issueFlags.permissions,
		})
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(pair)
	},
}

func init() {
	f := tokenIssueCmd.Flags()
	f.StringVar(&issueFlags.subject, "subject", "", "principal id (sub claim)")
	f.StringVar(&issueFlags.email, "email", "", "principal email")
	f.StringVar(&issueFlags.role, "role", string(jwtx.RoleUser), "principal role")
	f.StringSliceVar(&issueFlags.permissions, "permission", nil, "permission to grant (repeatable)")
	_ = tokenIssueCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
