// ABOUTME: health command: probes a running relay's liveness or readiness endpoint
// ABOUTME: Exits non-zero when the relay is down or has no nodes connected

package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

func newHealthCmd(configPath *string) *cobra.Command {
	var (
		ready bool
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check relay health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				addr = cfg.Server.HTTPAddr
			}

			path := "/health"
			if ready {
				path = "/health/ready"
			}
			url := addr + path
			if !strings.Contains(addr, "://") {
				url = "http://" + url
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			if ready {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			} else {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "require at least one connected node")
	cmd.Flags().StringVar(&addr, "addr", "", "relay address, overriding server.http_addr from config")
	return cmd
}
