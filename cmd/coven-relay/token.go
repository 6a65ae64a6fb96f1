// ABOUTME: token command: mints an HS256 connect token signed with the shared secret
// ABOUTME: Lets operators hand out expiring credentials instead of the secret itself

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		mode    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a connect token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.SharedSecret == "" {
				return errors.New("auth.shared_secret is empty, tokens cannot be signed")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			switch mode {
			case "", protocol.ModeClient, protocol.ModeNode, protocol.ModeChannel:
			default:
				return fmt.Errorf("--mode must be client, node, or channel, got %q", mode)
			}
			if subject == "" {
				subject = "cli-" + uuid.NewString()[:8]
			}

			token, err := auth.NewAuthenticator(cfg.Auth.SharedSecret).Mint(subject, mode, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to a random cli- id)")
	cmd.Flags().StringVar(&mode, "mode", "", "restrict the token to one connection mode (client, node, channel)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
