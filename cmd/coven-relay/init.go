// ABOUTME: init command: writes a default config file with a freshly generated shared secret
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

// errConfigExists is returned by init when the target file is already present.
var errConfigExists = errors.New("config file already exists")

func newInitCmd(configPath *string) *cobra.Command {
	var (
		force    bool
		noSecret bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := *configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%w: %s (use --force to overwrite)", errConfigExists, path)
			}

			cfg := config.Default()
			if !noSecret {
				secret, err := generateSecret()
				if err != nil {
					return err
				}
				cfg.Auth.SharedSecret = secret
			}

			data, err := cfg.Encode(path)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(out, "  ✓ Created config: %s\n", path)
			if !noSecret {
				color.New(color.FgHiBlack).Fprintln(out, "    auth.shared_secret was generated; clients connect with it or a token from `coven-relay token`")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&noSecret, "no-secret", false, "keep the ${COVEN_RELAY_SECRET} placeholder instead of generating a secret")
	return cmd
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating shared secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
