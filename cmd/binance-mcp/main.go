// ABOUTME: Entry point for the binance-mcp server and its operator commands
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/binance-mcp/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _     _
| |__ (_)_ __   __ _ _ __   ___ ___       _ __ ___   ___ _ __
| '_ \| | '_ \ / _' | '_ \ / __/ _ \_____| '_ ' _ \ / __| '_ \
| |_) | | | | | (_| | | | | (_|  __/_____| | | | | | (__| |_) |
|_.__/|_|_| |_|\__,_|_| |_|\___\___|     |_| |_| |_|\___| .__/
                                                        |_|
`

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
}

// loadConfig loads the --config file, or defaults plus environment when the
// flag is empty.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "binance-mcp",
		Short: "Market observability tools over the Model Context Protocol",
		Long: `binance-mcp serves observability tools (prices, funding, order book
liquidity, news, TVL, EVM RPC probes, and stream gap detection) to MCP
clients over streamable HTTP, SSE, REST, or stdio.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("BINANCE_MCP_CONFIG"),
		"Path to a YAML or TOML config file (env BINANCE_MCP_CONFIG)")

	root.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newReplayCmd(opts),
		newHashesCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
