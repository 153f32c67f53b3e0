// Package config handles configuration loading for binance-mcp.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) layered over Default(), then overridden by environment
// variables, then validated. Load("") skips the file.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	sources:
//	  dune_api_key: "${DUNE_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Environment Overrides
//
// These variables win over the file when set and non-empty:
//
//	SERVER_HOST, SERVER_PORT, SERVER_MODE, SQLITE_DB_PATH, LOG_LEVEL,
//	LOG_FORMAT, DUNE_API_KEY, EVM_RPC_URL, BINANCE_API_URL,
//	DEFI_LLAMA_BASE_URL, GDELT_QUERY_ENDPOINT, MCP_JWT_SECRET
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must not be negative:
//
//	cache:
//	  default_ttl: "15s"
//	  request_timeout: "10s"
//	  breaker_timeout: "30s"
//
// # Configuration Sections
//
//	server:
//	  host: "0.0.0.0"
//	  port: 8080
//	  mode: "http"            # http or stdio
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "./data/binance-mcp.db"
//	  driver: "sqlite"        # sqlite (pure Go) or sqlite3 (cgo)
//
//	auth:
//	  jwt_secret: "${MCP_JWT_SECRET}"   # at least 32 bytes
//	  require_auth: false
//	  access_tokens:                    # URL token -> principal
//	    3f0c...: "desktop"
//	  allowed_api_keys: ["..."]         # {apiKey}.{apiSecret} bearer tokens
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
//	cache:
//	  persistent: true        # also keep responses in rest_cache
//	  rate_limit_rps: 10      # per upstream host, 0 disables
//	  rate_limit_burst: 20
//	  breaker_failures: 5
//
//	sources:
//	  binance_api_url: "https://api.binance.com"
//	  binance_futures_url: "https://fapi.binance.com"
//	  defillama_base_url: "https://api.llama.fi"
//	  gdelt_query_endpoint: "https://api.gdeltproject.org/api/v2/doc/doc"
//	  evm_rpc_url: ""
//	  rpc_latency_endpoints: [...]
//	  rpc_balance_endpoints: [...]
//
//	streams:
//	  base_url: "wss://stream.binance.com:9443/ws"
//	  symbols: ["BTCUSDT"]    # empty disables ingest
//	  cache_ttl: "30s"
//
//	gap:
//	  time_basis: "receipt"   # receipt or declared
//	  max_gap: "5s"
//
//	tools:
//	  call_timeout: "60s"
package config
