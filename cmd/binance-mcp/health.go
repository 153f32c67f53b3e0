// ABOUTME: The health command: queries a running server's /health endpoint
// ABOUTME: Prints the JSON report and fails on a non-200 status

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd(root *rootOptions) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health",
		Long: `Fetch /health from a running server. Without --url the address comes
from server.host and server.port; 0.0.0.0 is queried as localhost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				host := cfg.Server.Host
				if host == "" || host == "0.0.0.0" || host == "::" {
					host = "localhost"
				}
				url = "http://" + net.JoinHostPort(host, fmt.Sprint(cfg.Server.Port)) + "/health"
			}
			return checkHealth(cmd, url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Health endpoint URL (overrides config)")
	return cmd
}

func checkHealth(cmd *cobra.Command, url string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(body)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
