// ABOUTME: observability_dune_query, fetches an analytics query result URL as an optional source
// ABOUTME: Sends the Dune API key header when one is configured

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
)

const (
	duneCalcVersion = "dune_analytics:v1"
	duneDefaultTTL  = 30 * time.Second
)

func duneQueryTool(deps *Deps) *Tool {
	const name = "observability_dune_query"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Execute a cached Dune Analytics query (optional source) and return metrics with provenance and quality flags.",
			InputSchema: inputSchema(
				`"query_url": {"type": "string", "description": "Fully qualified Dune query URL returning JSON."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 30000."}`,
				"query_url",
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			queryURL, err := args.String("query_url", "")
			if err != nil {
				return observation.Observation{}, err
			}
			if queryURL == "" {
				return observation.Observation{}, invalid("query_url", "is required")
			}
			u, err := url.Parse(queryURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return observation.Observation{}, invalid("query_url", "must be an absolute http(s) URL")
			}
			ttl, err := args.TTL(duneDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			opts := httpcache.FetchOptions{TTL: ttl, Optional: true, Source: "dune"}
			if key := deps.Endpoints.DuneAPIKey; key != "" {
				opts.Header = http.Header{"X-Dune-Api-Key": []string{key}}
			}
			resp, err := deps.Fetcher.FetchJSON(ctx, queryURL, opts)
			if err != nil {
				return observation.Observation{}, err
			}

			metrics := json.RawMessage(`{}`)
			if resp.Available() {
				metrics = resp.Value
			}

			return deps.Builder.Observe(ctx, name, map[string]any{
				"metrics":   metrics,
				"cache_hit": resp.Hit,
			}, observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    resp.TsMs,
				QualityFlags:  observation.MergeQualityFlags(resp.QualityFlags, missingFlag(resp, "dune_missing")),
				CalcVersion:   duneCalcVersion,
				RawProvenance: []observation.RawProvenance{rawProvenance("dune", queryURL, resp, ttl)},
			}), nil
		},
	}
}
