// ABOUTME: observability_rpc_latency and observability_rpc_balance against EVM JSON-RPC nodes
// ABOUTME: Latency probes fan out in parallel; balance lookups fall back through endpoints in order

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
)

const (
	rpcLatencyCalcVersion = "rpc_latency:v1"
	rpcBalanceCalcVersion = "rpc_balance:v1"
	rpcLatencyDefaultTTL  = 15 * time.Second
	rpcBalanceDefaultTTL  = 20 * time.Second
	rpcSource             = "rpc"
)

var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result *string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func rpcBody(method string, params ...any) []byte {
	if params == nil {
		params = []any{}
	}
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	return body
}

// rpcResult extracts the JSON-RPC result string, if any.
func rpcResult(resp httpcache.CachedResponse) (string, bool) {
	var r rpcResponse
	if err := resp.Decode(&r); err != nil || r.Result == nil {
		return "", false
	}
	return *r.Result, true
}

// endpointsArg reads a list of http(s) endpoints, falling back to defaults.
func endpointsArg(args Args, field string, defaults []string) ([]string, error) {
	endpoints, err := args.StringSlice(field)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		endpoints = defaults
	}
	if len(endpoints) == 0 {
		return nil, invalid(field, "no endpoints given and none configured")
	}
	for _, ep := range endpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalid(field, "%q is not an http(s) URL", ep)
		}
	}
	return endpoints, nil
}

type latencyProbe struct {
	Endpoint     string   `json:"endpoint"`
	LatencyMs    *int64   `json:"latency_ms"`
	BlockNumber  string   `json:"block_number,omitempty"`
	Cached       bool     `json:"cached"`
	QualityFlags []string `json:"quality_flags"`
	Hash         string   `json:"hash,omitempty"`
	TsMs         int64    `json:"ts_ms"`
}

func rpcLatencyTool(deps *Deps) *Tool {
	const name = "observability_rpc_latency"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Measure latency against multiple RPC providers concurrently with caching and quality flag propagation.",
			InputSchema: inputSchema(
				`"endpoints": {"type": "array", "items": {"type": "string"}, "description": "RPC endpoints to probe. Defaults to the configured public endpoints."},
		"ttl_ms": {"type": "number", "description": "TTL for caching probe results. Defaults to 15000."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			endpoints, err := endpointsArg(args, "endpoints", deps.Endpoints.RPCLatency)
			if err != nil {
				return observation.Observation{}, err
			}
			ttl, err := args.TTL(rpcLatencyDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			body := rpcBody("eth_blockNumber")
			probes, err := fanOutParallel(ctx, endpoints, func(ctx context.Context, endpoint string) (latencyProbe, error) {
				start := time.Now()
				resp, err := deps.Fetcher.FetchJSON(ctx, endpoint, httpcache.FetchOptions{
					Method:   "POST",
					Body:     body,
					TTL:      ttl,
					Optional: true,
					Source:     rpcSource,
					CacheKey:   "rpc-" + endpoint,
					BreakerKey: httpcache.EndpointBreakerKey(rpcSource, endpoint),
				})
				if err != nil {
					return latencyProbe{}, err
				}
				probe := latencyProbe{
					Endpoint:     endpoint,
					Cached:       resp.Hit,
					QualityFlags: resp.QualityFlags,
					Hash:         resp.Hash,
					TsMs:         resp.TsMs,
				}
				if resp.Available() {
					ms := time.Since(start).Milliseconds()
					probe.LatencyMs = &ms
				}
				if block, ok := rpcResult(resp); ok {
					probe.BlockNumber = block
				}
				return probe, nil
			})
			if err != nil {
				return observation.Observation{}, err
			}

			flags := make([][]string, 0, len(probes))
			raw := make([]observation.RawProvenance, 0, len(probes))
			for _, p := range probes {
				flags = append(flags, p.QualityFlags)
				raw = append(raw, observation.RawProvenance{
					Source:    rpcSource,
					Reference: p.Endpoint,
					TsMs:      p.TsMs,
					TTLMs:     observation.TTL(ttl),
					Hash:      p.Hash,
				})
			}

			return deps.Builder.Observe(ctx, name, map[string]any{"probes": probes}, observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    deps.now().UnixMilli(),
				QualityFlags:  observation.MergeQualityFlags(flags...),
				CalcVersion:   rpcLatencyCalcVersion,
				RawProvenance: raw,
			}), nil
		},
	}
}

type balanceAttempt struct {
	Endpoint     string          `json:"endpoint"`
	Raw          json.RawMessage `json:"raw"`
	QualityFlags []string        `json:"quality_flags"`
	Hash         string          `json:"hash,omitempty"`
	TsMs         int64           `json:"ts_ms"`

	result string
}

// hexToDecimal converts a 0x-prefixed quantity to base 10.
func hexToDecimal(hex string) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(hex), "0x"), 16)
	if !ok {
		return "", fmt.Errorf("invalid hex quantity %q", hex)
	}
	return n.String(), nil
}

func rpcBalanceTool(deps *Deps) *Tool {
	const name = "observability_rpc_balance"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Fetch account balance using fallback RPC providers in priority order with TTL-aware caching and optional source degradation.",
			InputSchema: inputSchema(
				`"address": {"type": "string", "description": "Account address to query (0x-prefixed, 20 bytes)."},
		"network": {"type": "string", "description": "Network label (e.g. ethereum, bsc). Defaults to ethereum."},
		"rpc_endpoints": {"type": "array", "items": {"type": "string"}, "description": "Fallback list of RPC endpoints, tried in order."},
		"ttl_ms": {"type": "number", "description": "Cache TTL in milliseconds. Defaults to 20000."}`,
				"address",
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			address, err := args.String("address", "")
			if err != nil {
				return observation.Observation{}, err
			}
			if address == "" {
				return observation.Observation{}, invalid("address", "is required")
			}
			if !evmAddressPattern.MatchString(address) {
				return observation.Observation{}, invalid("address", "must be a 0x-prefixed 40 hex digit address")
			}
			network, err := args.String("network", "ethereum")
			if err != nil {
				return observation.Observation{}, err
			}
			endpoints, err := endpointsArg(args, "rpc_endpoints", deps.Endpoints.RPCBalance)
			if err != nil {
				return observation.Observation{}, err
			}
			ttl, err := args.TTL(rpcBalanceDefaultTTL)
			if err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			body := rpcBody("eth_getBalance", address, "latest")
			var fetchErr error
			attempts, winner := firstSuccessSequential(ctx, endpoints, func(ctx context.Context, endpoint string) (balanceAttempt, bool) {
				resp, err := deps.Fetcher.FetchJSON(ctx, endpoint, httpcache.FetchOptions{
					Method:   "POST",
					Body:     body,
					TTL:      ttl,
					Optional: true,
					Source:     rpcSource,
					CacheKey:   "rpc-balance-" + endpoint + "-" + address,
					BreakerKey: httpcache.EndpointBreakerKey(rpcSource, endpoint),
				})
				if err != nil {
					fetchErr = err
					return balanceAttempt{Endpoint: endpoint, QualityFlags: []string{}}, false
				}
				attempt := balanceAttempt{
					Endpoint:     endpoint,
					Raw:          resp.Value,
					QualityFlags: resp.QualityFlags,
					Hash:         resp.Hash,
					TsMs:         resp.TsMs,
				}
				result, ok := rpcResult(resp)
				attempt.result = result
				return attempt, ok
			})
			if fetchErr != nil {
				return observation.Observation{}, fetchErr
			}

			flags := make([][]string, 0, len(attempts)+1)
			raw := make([]observation.RawProvenance, 0, len(attempts))
			for _, a := range attempts {
				flags = append(flags, a.QualityFlags)
				raw = append(raw, observation.RawProvenance{
					Source:    rpcSource,
					Reference: a.Endpoint,
					TsMs:      a.TsMs,
					TTLMs:     observation.TTL(ttl),
					Hash:      a.Hash,
				})
			}

			data := map[string]any{
				"address":  address,
				"network":  network,
				"balance":  nil,
				"endpoint": nil,
				"attempts": attempts,
			}
			sourceTs := deps.now().UnixMilli()
			if winner < 0 {
				flags = append(flags, []string{"no_successful_rpc"})
			} else {
				primary := attempts[winner]
				sourceTs = primary.TsMs
				data["balance"] = primary.result
				data["endpoint"] = primary.Endpoint
				if wei, err := hexToDecimal(primary.result); err == nil {
					data["balance_wei"] = wei
				}
			}
			if winner != 0 && len(attempts) > 1 {
				to := ""
				if winner > 0 {
					to = attempts[winner].Endpoint
				}
				deps.publish(events.TypeProviderSwitch, map[string]any{
					"tool":      name,
					"from":      endpoints[0],
					"to":        to,
					"attempted": len(attempts),
				})
			}

			return deps.Builder.Observe(ctx, name, data, observation.Args{
				AnchorTsMs:    anchor,
				WindowMs:      windowMs,
				SourceTsMs:    sourceTs,
				QualityFlags:  observation.MergeQualityFlags(flags...),
				CalcVersion:   rpcBalanceCalcVersion,
				RawProvenance: raw,
			}), nil
		},
	}
}
