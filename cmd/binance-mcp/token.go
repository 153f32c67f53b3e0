// ABOUTME: Token commands for minting client credentials
// ABOUTME: Issues HS256 JWTs from auth.jwt_secret and {apiKey}.{apiSecret} bearer tokens

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/binance-mcp/internal/auth"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create client access tokens",
	}
	cmd.AddCommand(newTokenJWTCmd(root), newTokenCredentialsCmd())
	return cmd
}

func newTokenJWTCmd(root *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Sign a JWT with auth.jwt_secret",
		Long: `Sign an HS256 JWT whose sub claim is the principal the server will
attribute requests to.

Examples:
  binance-mcp token jwt --subject desktop --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (or MCP_JWT_SECRET) is not set")
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Principal ID for the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// clientConfig is the snippet MCP desktop clients accept in their server list.
type clientConfig struct {
	MCPServers map[string]clientServer `json:"mcpServers"`
}

type clientServer struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

func newTokenCredentialsCmd() *cobra.Command {
	var (
		apiKey    string
		apiSecret string
		url       string
	)

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Build an {apiKey}.{apiSecret} bearer token and client config",
		Long: `Build a bearer token from an API key and secret (each at least 10
characters) and print an MCP client config that uses it. The key must be
listed in auth.allowed_api_keys on the server.

Examples:
  binance-mcp token credentials --api-key KEY --api-secret SECRET
  binance-mcp token credentials --api-key KEY --api-secret SECRET --url https://mcp.example.com/mcp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateCredentialToken(apiKey, apiSecret)
			if err != nil {
				return err
			}

			snippet, err := json.MarshalIndent(clientConfig{
				MCPServers: map[string]clientServer{
					"binance-mcp": {
						URL:     url,
						Headers: map[string]string{"Authorization": "Bearer " + token},
					},
				},
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding client config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Token: %s\n\n", token)
			fmt.Fprintln(out, "MCP client config:")
			fmt.Fprintln(out, string(snippet))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (at least 10 characters)")
	cmd.Flags().StringVar(&apiSecret, "api-secret", "", "API secret (at least 10 characters)")
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/mcp", "MCP endpoint URL for the client config")
	return cmd
}
