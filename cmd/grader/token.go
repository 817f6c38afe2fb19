package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/submission-runner/internal/auth"
)

func newTokenCommand(st *cliState) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if st.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set; the server runs without authentication")
			}
			tokens, err := auth.NewTokenService(st.cfg.JWTSecret)
			if err != nil {
				return err
			}
			token, err := tokens.Generate(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Who the token is for (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
