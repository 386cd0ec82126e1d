package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/config"
	"github.com/dkeye/tutorcall/internal/domain"
)

// newTokenCmd mints a credential with the configured secret, for local
// testing against a running server.
func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signaling credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			r, err := domain.ParseRole(role)
			if err != nil {
				return fmt.Errorf("--role %q: %w", role, err)
			}
			issuer, err := auth.NewIssuer(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(domain.Identity{UserID: domain.UserID(user), Role: r}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleStudent), "tutor, student or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "credential lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
