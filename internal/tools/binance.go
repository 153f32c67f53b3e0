// ABOUTME: Binance market data tools: spot price, funding rate, and order book depth
// ABOUTME: All three treat Binance as an optional source and flag missing data

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
)

const (
	priceCalcVersion     = "price_windowed:v1"
	fundingCalcVersion   = "funding_windowed:v1"
	liquidityCalcVersion = "liquidity_windowed:v1"

	priceDefaultTTL     = 10 * time.Second
	fundingDefaultTTL   = 120 * time.Second
	liquidityDefaultTTL = 5 * time.Second

	// Binance rejects depth limits above 5000.
	liquidityMaxLimit = 4999

	binanceSpotSource    = "binance_rest"
	binanceFuturesSource = "binance_futures"
)

func priceWindowTool(deps *Deps) *Tool {
	const name = "observability_price_window"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Fetch spot price with cache-aware REST calls and quality flag propagation.",
			InputSchema: inputSchema(
				`"symbol": {"type": "string", "description": "Symbol to fetch (e.g. BTCUSDT). Defaults to BTCUSDT."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 10000."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			symbol, err := symbolArg(args)
			if err != nil {
				return observation.Observation{}, err
			}
			ttl, err := args.TTL(priceDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			target := strings.TrimRight(deps.Endpoints.BinanceSpot, "/") + "/api/v3/ticker/price?symbol=" + symbol
			resp, err := deps.Fetcher.FetchJSON(ctx, target, httpcache.FetchOptions{
				TTL:      ttl,
				Optional: true,
				Source:   binanceSpotSource,
				CacheKey: "price-" + symbol,
			})
			if err != nil {
				return observation.Observation{}, err
			}

			var body struct {
				Price *string `json:"price"`
			}
			_ = resp.Decode(&body)

			return deps.Builder.Observe(ctx, name, map[string]any{
				"symbol": symbol,
				"price":  body.Price,
			}, observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    resp.TsMs,
				QualityFlags:  observation.MergeQualityFlags(resp.QualityFlags, missingFlag(resp, "price_missing")),
				CalcVersion:   priceCalcVersion,
				RawProvenance: []observation.RawProvenance{rawProvenance(binanceSpotSource, target, resp, ttl)},
			}), nil
		},
	}
}

func fundingWindowTool(deps *Deps) *Tool {
	const name = "observability_funding_window"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Fetch the current funding rate snapshot for a perpetual with TTL-aware cache and provenance metadata.",
			InputSchema: inputSchema(
				`"symbol": {"type": "string", "description": "Perpetual symbol (e.g. BTCUSDT). Defaults to BTCUSDT."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 120000."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			symbol, err := symbolArg(args)
			if err != nil {
				return observation.Observation{}, err
			}
			ttl, err := args.TTL(fundingDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			target := strings.TrimRight(deps.Endpoints.BinanceFutures, "/") + "/fapi/v1/premiumIndex?symbol=" + symbol
			resp, err := deps.Fetcher.FetchJSON(ctx, target, httpcache.FetchOptions{
				TTL:      ttl,
				Optional: true,
				Source:   binanceFuturesSource,
				CacheKey: "funding-" + symbol,
			})
			if err != nil {
				return observation.Observation{}, err
			}

			var body struct {
				LastFundingRate *string `json:"lastFundingRate"`
				MarkPrice       *string `json:"markPrice"`
				NextFundingTime *int64  `json:"nextFundingTime"`
			}
			_ = resp.Decode(&body)

			return deps.Builder.Observe(ctx, name, map[string]any{
				"symbol":               symbol,
				"funding_rate":         body.LastFundingRate,
				"mark_price":           body.MarkPrice,
				"next_funding_time_ms": body.NextFundingTime,
			}, observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    resp.TsMs,
				QualityFlags:  observation.MergeQualityFlags(resp.QualityFlags, missingFlag(resp, "funding_missing")),
				CalcVersion:   fundingCalcVersion,
				RawProvenance: []observation.RawProvenance{rawProvenance(binanceFuturesSource, target, resp, ttl)},
			}), nil
		},
	}
}

func liquidityWindowTool(deps *Deps) *Tool {
	const name = "observability_liquidity_window"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Fetch an order book depth snapshot with truncation handling and quality flags.",
			InputSchema: inputSchema(
				`"symbol": {"type": "string", "description": "Symbol (e.g. BTCUSDT). Defaults to BTCUSDT."},
		"limit": {"type": "number", "description": "Levels per side. Defaults to 10. If more levels exist, truncated is set."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 5000."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			symbol, err := symbolArg(args)
			if err != nil {
				return observation.Observation{}, err
			}
			limit, err := limitArg(args, 10, liquidityMaxLimit)
			if err != nil {
				return observation.Observation{}, err
			}
			ttl, err := args.TTL(liquidityDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			// One extra level lets us tell whether the book was cut short
			target := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d",
				strings.TrimRight(deps.Endpoints.BinanceSpot, "/"), symbol, limit+1)
			resp, err := deps.Fetcher.FetchJSON(ctx, target, httpcache.FetchOptions{
				TTL:      ttl,
				Optional: true,
				Source:   binanceSpotSource,
				CacheKey: fmt.Sprintf("depth-%s-%d", symbol, limit),
			})
			if err != nil {
				return observation.Observation{}, err
			}

			var book struct {
				LastUpdateID *int64            `json:"lastUpdateId"`
				Bids         []json.RawMessage `json:"bids"`
				Asks         []json.RawMessage `json:"asks"`
			}
			_ = resp.Decode(&book)

			availableBids, availableAsks := len(book.Bids), len(book.Asks)
			bids := truncateLevels(book.Bids, limit)
			asks := truncateLevels(book.Asks, limit)
			truncated := availableBids > len(bids) || availableAsks > len(asks)

			obsArgs := observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    resp.TsMs,
				QualityFlags:  observation.MergeQualityFlags(resp.QualityFlags, missingFlag(resp, "orderbook_missing")),
				Truncated:     truncated,
				CalcVersion:   liquidityCalcVersion,
				RawProvenance: []observation.RawProvenance{rawProvenance(binanceSpotSource, target, resp, ttl)},
			}
			if truncated {
				obsArgs.TruncationReason = TruncatedByLimit
			}

			return deps.Builder.Observe(ctx, name, map[string]any{
				"symbol":         symbol,
				"last_update_id": book.LastUpdateID,
				"bids":           bids,
				"asks":           asks,
				"available_depth": map[string]int{
					"bids": availableBids,
					"asks": availableAsks,
				},
			}, obsArgs), nil
		},
	}
}

func truncateLevels(levels []json.RawMessage, limit int64) []json.RawMessage {
	if levels == nil {
		return []json.RawMessage{}
	}
	if int64(len(levels)) > limit {
		return levels[:limit]
	}
	return levels
}
