// ABOUTME: The serve command: runs the gateway over HTTP or stdio
// ABOUTME: Prints the startup banner in HTTP mode and keeps stdout clean in stdio mode

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/binance-mcp/internal/config"
	"github.com/2389/binance-mcp/internal/gateway"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server.

In http mode the server listens on server.host:server.port and exposes
/mcp, /sse, /mcp/tools, /mcp/call, /mcp/events, /health, and metrics.
In stdio mode it speaks newline-delimited JSON-RPC on stdin and stdout
and logs to stderr.

Examples:
  binance-mcp serve
  binance-mcp serve --mode stdio --config binance-mcp.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Server.Mode = mode
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("validating config: %w", err)
				}
			}

			if cfg.Server.Mode == config.ModeStdio {
				return runStdio(cmd, cfg)
			}
			return runHTTP(cmd, root.configPath, cfg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Transport mode: http or stdio (overrides server.mode)")
	return cmd
}

func runHTTP(cmd *cobra.Command, configPath string, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	printBanner(out)

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if configPath == "" {
		configPath = "(defaults + environment)"
	}
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:    %s\n", configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.Addr())
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Metrics.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Metrics:   %s\n", cfg.Metrics.Path)
	}
	if len(cfg.Streams.Symbols) > 0 {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Streams:   ")
		cyan.Fprintln(out, strings.Join(cfg.Streams.Symbols, ", "))
	}
	fmt.Fprintln(out)

	logger := setupLogger(cfg.Logging, out)
	logger.Info("starting binance-mcp",
		"http_addr", cfg.Server.Addr(),
		"database", cfg.Database.Path,
		"require_auth", cfg.Auth.RequireAuth,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runStdio(cmd *cobra.Command, cfg *config.Config) error {
	logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
}

func printBanner(w io.Writer) {
	color.New(color.FgCyan).Fprint(w, banner)
	color.New(color.FgHiBlack).Fprintf(w, "    version: %s\n\n", version)
}
