package main

import (
	"fmt"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/dkeye/liveroom/internal/relay"
	"github.com/spf13/cobra"
)

func tokenCmd(g *globalFlags) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:          "token",
		Short:        "issue a join token signed with the relay secret",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			uid := domain.UserID(user)
			if err := domain.ValidateUserID(uid); err != nil {
				return err
			}
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			tok, err := relay.IssueToken(g.cfg.Secret, uid, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&user, "user", "u", "", "user id")
	fs.StringVarP(&role, "role", "r", string(domain.RoleLearner), "instructor or learner")
	fs.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
