// ABOUTME: Entry point for the coven-relay server and its operator commands
// ABOUTME: Builds the cobra command tree and maps errors to a non-zero exit

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "Relay between chat clients, tool nodes, and a language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the YAML or TOML config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newInitCmd(&configPath),
		newHealthCmd(&configPath),
		newTokenCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
