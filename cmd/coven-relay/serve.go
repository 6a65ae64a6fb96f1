// ABOUTME: serve command: prints the startup banner, loads config, and runs the gateway
// ABOUTME: Blocks until SIGINT/SIGTERM and returns after graceful shutdown

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			cyan := color.New(color.FgCyan)
			cyan.Fprint(out, banner)
			gray := color.New(color.FgHiBlack)
			gray.Fprintf(out, "    version: %s\n\n", version)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := setupLogger(cfg.Logging, out)
			printStartup(out, *configPath, cfg)

			logger.Info("starting coven-relay",
				"config", *configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"database", cfg.Database.Driver,
				"model", cfg.Agent.Model,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	line := func(format string, args ...any) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, format, args...)
	}

	line("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		line("Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Fprint(out, " [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	} else {
		line("HTTP:      %s%s\n", cfg.Server.HTTPAddr, gateway.WebSocketPath)
	}

	store := cfg.Database.Path
	if cfg.Database.Driver == config.DriverRedis {
		store = cfg.Redis.Addr
	}
	line("State:     %s (%s)\n", store, cfg.Database.Driver)
	line("Blobs:     %s\n", cfg.Storage.Dir)
	line("Model:     %s\n", cfg.Agent.Model)
	if cfg.Auth.SharedSecret == "" {
		green.Fprint(out, "    ▶ ")
		yellow.Fprintln(out, "Auth:      disabled")
	}
	fmt.Fprintln(out)
}
