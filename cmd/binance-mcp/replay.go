// ABOUTME: Commands that read back persisted state: memoised tool outputs and audit hashes
// ABOUTME: Open the configured SQLite database directly without starting a server

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/binance-mcp/internal/gateway"
	"github.com/2389/binance-mcp/internal/store"
)

func newReplayCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <tool> [arguments-json]",
		Short: "Print the last memoised output of a tool call",
		Long: `Print the most recent stored output for a tool called with the given
arguments. Argument key order does not matter.

Examples:
  binance-mcp replay observability_price_window '{"symbol":"ETHUSDT"}'
  binance-mcp replay observability_time_window_snapshot`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			raw := json.RawMessage(`{}`)
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
			}

			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())
			gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			defer gw.Shutdown(cmd.Context())

			out, err := gw.Registry().Replay(cmd.Context(), args[0], raw)
			if err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, out, "", "  "); err != nil {
				return fmt.Errorf("formatting output: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	return cmd
}

func newHashesCmd(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "hashes",
		Short: "List recent payload hashes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			s, err := store.NewSQLiteStore(cfg.Database.Path,
				store.WithDriver(cfg.Database.Driver),
				store.WithLogger(setupLogger(cfg.Logging, cmd.ErrOrStderr())),
			)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer s.Close()

			hashes, err := s.ListPayloadHashes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHashes(cmd, hashes)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to print (0 for all)")
	return cmd
}

func printHashes(cmd *cobra.Command, hashes []store.PayloadHash) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tHASH")
	for _, h := range hashes {
		created := time.UnixMilli(h.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%d\t%s\t%s\n", h.ID, created, h.Hash)
	}
	return w.Flush()
}
