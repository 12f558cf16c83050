package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chat-relay/internal/auth"
	"github.com/capitalize-ai/chat-relay/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		userID uint
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user-id is required")
			}
			cfg := config.Load()
			if ttl <= 0 {
				ttl = cfg.JWTExpiration
			}

			token, err := auth.IssueToken(cfg.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().UintVar(&userID, "user-id", 0, "id of the user the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_EXPIRATION)")
	return cmd
}
