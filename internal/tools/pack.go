// ABOUTME: Wiring shared by the observability tools and the pack constructor
// ABOUTME: Holds upstream base URLs, the fetcher, the observation builder, and the gap registry

package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/gap"
	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
)

// TruncatedByLimit is the truncation reason used when a limit argument cut
// upstream results short.
const TruncatedByLimit = "limited_by_limit_parameter"

// Fetcher is the slice of *httpcache.Client the tools use.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string, opts httpcache.FetchOptions) (httpcache.CachedResponse, error)
}

// Publisher receives bus events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ev events.Event)
}

// Endpoints are the upstream base URLs. Tests point them at httptest servers.
type Endpoints struct {
	BinanceSpot    string
	BinanceFutures string
	GDELT          string
	DefiLlama      string
	RPCLatency     []string
	RPCBalance     []string
	DuneAPIKey     string
}

// DefaultEndpoints returns the public production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		BinanceSpot:    "https://api.binance.com",
		BinanceFutures: "https://fapi.binance.com",
		GDELT:          "https://api.gdeltproject.org/api/v2/doc/doc",
		DefiLlama:      "https://api.llama.fi",
		RPCLatency:     []string{"https://rpc.ankr.com/eth", "https://rpc.ankr.com/bsc"},
		RPCBalance:     []string{"https://rpc.ankr.com/eth", "https://cloudflare-eth.com"},
	}
}

// Deps are the collaborators every observability tool shares.
type Deps struct {
	Fetcher   Fetcher
	Builder   *observation.Builder
	Gaps      *gap.Registry
	Events    Publisher // optional
	Endpoints Endpoints
	Logger    *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) publish(typ string, data any) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(events.New(typ, data))
}

func (d *Deps) now() time.Time {
	return d.Builder.Now()
}

// ObservabilityPack returns the ten observability tools bound to deps.
func ObservabilityPack(deps *Deps) []*Tool {
	return []*Tool{
		timeWindowSnapshotTool(deps),
		duneQueryTool(deps),
		gdeltEventsTool(deps),
		defillamaTVLTool(deps),
		rpcLatencyTool(deps),
		rpcBalanceTool(deps),
		wsGapTool(deps),
		priceWindowTool(deps),
		fundingWindowTool(deps),
		liquidityWindowTool(deps),
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,30}$`)

// symbolArg reads and normalises the symbol argument.
func symbolArg(args Args) (string, error) {
	symbol, err := args.String("symbol", "BTCUSDT")
	if err != nil {
		return "", err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(symbol) {
		return "", invalid("symbol", "must be 2-30 letters or digits, got %q", symbol)
	}
	return symbol, nil
}

// limitArg reads a positive limit capped at max.
func limitArg(args Args, def, max int64) (int64, error) {
	limit, err := args.Int64("limit", def)
	if err != nil {
		return 0, err
	}
	if limit < 1 {
		return 0, invalid("limit", "must be at least 1")
	}
	if limit > max {
		return 0, invalid("limit", "must be at most %d", max)
	}
	return limit, nil
}

// rawProvenance describes one fetch result.
func rawProvenance(source, reference string, resp httpcache.CachedResponse, ttl time.Duration) observation.RawProvenance {
	return observation.RawProvenance{
		Source:    source,
		Reference: reference,
		TsMs:      resp.TsMs,
		TTLMs:     observation.TTL(ttl),
		Hash:      resp.Hash,
	}
}

// missingFlag returns [flag] when resp has no value.
func missingFlag(resp httpcache.CachedResponse, flag string) []string {
	if resp.Available() {
		return nil
	}
	return []string{flag}
}

// envelopeSchema is the output schema shared by every observability tool.
const envelopeSchema = `{
	"type": "object",
	"properties": {
		"ts_ms": {"type": "number"},
		"data_age_ms": {"type": "number"},
		"quality_flags": {"type": "array", "items": {"type": "string"}},
		"truncated": {"type": "boolean"},
		"truncation_reason": {"type": "string"},
		"provenance": {"type": "object"},
		"window": {"type": "object"},
		"data": {"type": ["object", "array", "null"]}
	},
	"required": ["ts_ms", "data_age_ms", "quality_flags", "truncated", "provenance", "window", "data"]
}`

// windowProperties are the optional window arguments every tool accepts.
const windowProperties = `"anchor_ts_ms": {"type": "number", "description": "Anchor timestamp in milliseconds for window alignment. Defaults to now."},
		"window_ms": {"type": "number", "description": "Window size in milliseconds. Defaults to 60000."}`

// inputSchema builds an object schema from property definitions plus the
// shared window properties.
func inputSchema(properties string, required ...string) json.RawMessage {
	if required == nil {
		required = []string{}
	}
	req, _ := json.Marshal(required)
	props := windowProperties
	if properties != "" {
		props = properties + ",\n\t\t" + windowProperties
	}
	return json.RawMessage(`{"type": "object", "properties": {` + props + `}, "required": ` + string(req) + `}`)
}
