package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"chartbot/internal/httpapi"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the operator API",
		Long: `Issue an HS256 bearer token signed with http.jwt_secret.

User tokens only see the schedules they own. Admin tokens see every schedule
and may trigger all runs.

Examples:
  chartbot token --user alice --ttl 720h
  chartbot token --admin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfgm, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			secret := cfgm.Get().HTTP.JWTSecret
			if strings.TrimSpace(secret) == "" {
				return errors.New("http.jwt_secret is not set")
			}
			role := ""
			if admin {
				role = httpapi.RoleAdmin
			} else if strings.TrimSpace(user) == "" {
				return errors.New("--user is required for non-admin tokens")
			}
			if ttl < 0 {
				return errors.New("--ttl must not be negative")
			}
			tok, err := httpapi.IssueToken(secret, strings.TrimSpace(user), role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().String("user", "", "user id claim")
	cmd.Flags().Bool("admin", false, "issue an admin token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}
