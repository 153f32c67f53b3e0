// ABOUTME: observability_defillama_tvl, protocol TVL from DeFiLlama as an optional source
// ABOUTME: The "aggregate" protocol lists every protocol instead of one

package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
)

const (
	defillamaCalcVersion = "defillama_metrics:v1"
	defillamaDefaultTTL  = 60 * time.Second
	defillamaAggregate   = "aggregate"
)

func defillamaTVLTool(deps *Deps) *Tool {
	const name = "observability_defillama_tvl"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Fetch DeFiLlama TVL metrics (optional source) with caching, provenance, and quality flags.",
			InputSchema: inputSchema(
				`"protocol": {"type": "string", "description": "Protocol slug on DeFiLlama (e.g. uniswap). Defaults to ethereum; \"aggregate\" lists all protocols."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 60000."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			protocol, err := args.String("protocol", "ethereum")
			if err != nil {
				return observation.Observation{}, err
			}
			protocol = strings.TrimSpace(protocol)
			if protocol == "" {
				return observation.Observation{}, invalid("protocol", "must not be empty")
			}
			ttl, err := args.TTL(defillamaDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			base := strings.TrimRight(deps.Endpoints.DefiLlama, "/")
			target := base + "/protocol/" + url.PathEscape(protocol)
			if protocol == defillamaAggregate {
				target = base + "/protocols"
			}

			resp, err := deps.Fetcher.FetchJSON(ctx, target, httpcache.FetchOptions{
				TTL:      ttl,
				Optional: true,
				Source:   "defillama",
			})
			if err != nil {
				return observation.Observation{}, err
			}

			tvl := json.RawMessage(`{}`)
			if protocol == defillamaAggregate {
				tvl = json.RawMessage(`[]`)
			}
			if resp.Available() {
				tvl = resp.Value
			}

			return deps.Builder.Observe(ctx, name, map[string]any{
				"protocol": protocol,
				"tvl":      tvl,
			}, observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    resp.TsMs,
				QualityFlags:  observation.MergeQualityFlags(resp.QualityFlags, missingFlag(resp, "defillama_missing")),
				CalcVersion:   defillamaCalcVersion,
				RawProvenance: []observation.RawProvenance{rawProvenance("defillama", target, resp, ttl)},
			}), nil
		},
	}
}
