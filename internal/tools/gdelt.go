// ABOUTME: observability_gdelt_events, recent news articles from GDELT as an optional source
// ABOUTME: Truncates to the requested limit and reports how many were available

package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
)

const (
	gdeltCalcVersion = "gdelt_events:v1"
	gdeltDefaultTTL  = 60 * time.Second
	gdeltMaxLimit    = 250
)

func gdeltEventsTool(deps *Deps) *Tool {
	const name = "observability_gdelt_events"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Fetch recent GDELT events (optional source) with quality flags, provenance, and unified time window metadata.",
			InputSchema: inputSchema(
				`"search": {"type": "string", "description": "Free text query passed to GDELT. Defaults to crypto."},
		"limit": {"type": "number", "description": "Maximum number of events to return. Defaults to 5."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 60000."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			search, err := args.String("search", "crypto")
			if err != nil {
				return observation.Observation{}, err
			}
			if search == "" {
				search = "crypto"
			}
			limit, err := limitArg(args, 5, gdeltMaxLimit)
			if err != nil {
				return observation.Observation{}, err
			}
			ttl, err := args.TTL(gdeltDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			q := url.Values{}
			q.Set("query", search)
			q.Set("format", "json")
			gdeltURL := deps.Endpoints.GDELT + "?" + q.Encode()

			resp, err := deps.Fetcher.FetchJSON(ctx, gdeltURL, httpcache.FetchOptions{
				TTL:      ttl,
				Optional: true,
				Source:   "gdelt",
			})
			if err != nil {
				return observation.Observation{}, err
			}

			var body struct {
				Articles []json.RawMessage `json:"articles"`
			}
			if err := resp.Decode(&body); err != nil && resp.Available() {
				deps.logger().Warn("gdelt response has unexpected shape", "error", err)
			}

			events := body.Articles
			if events == nil {
				events = []json.RawMessage{}
			}
			total := len(events)
			truncated := int64(total) > limit
			if truncated {
				events = events[:limit]
			}

			obsArgs := observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    resp.TsMs,
				QualityFlags:  observation.MergeQualityFlags(resp.QualityFlags, missingFlag(resp, "gdelt_missing")),
				Truncated:     truncated,
				CalcVersion:   gdeltCalcVersion,
				RawProvenance: []observation.RawProvenance{rawProvenance("gdelt", gdeltURL, resp, ttl)},
			}
			if truncated {
				obsArgs.TruncationReason = TruncatedByLimit
			}
			return deps.Builder.Observe(ctx, name, map[string]any{
				"events":          events,
				"total_available": total,
			}, obsArgs), nil
		},
	}
}
