// Package gateway assembles and runs the binance-mcp server.
//
// # Overview
//
// New is the composition root. From a *config.Config it builds:
//
//   - the SQLite store (or one passed with WithStore)
//   - the Prometheus metrics registry and the event bus
//   - the gap detector registry, whose gap events feed metrics and the bus
//   - the outbound httpcache.Client over a memory cache, or a memory cache
//     layered on rest_cache when cache.persistent is set, with per-source
//     breakers whose state changes become health events
//   - the observation builder, auditing to slog and payload_hashes
//   - the tool registry holding the observability pack
//   - the MCP server with a chained JWT and API credential verifier plus
//     configured URL access tokens
//   - the websocket ingestor when streams.symbols is non-empty
//
// # HTTP Routes
//
//	/mcp, /mcp/<token>   Streamable HTTP MCP transport
//	GET  /sse            legacy SSE transport
//	POST /messages       legacy SSE requests
//	GET  /mcp/tools      REST tool listing
//	POST /mcp/call       REST tool call
//	GET  /mcp/events     SSE event bus
//	GET  /health         liveness plus breaker, gap, and stream details
//	GET  /health/ready   200 when the store answers
//	GET  <metrics.path>  Prometheus metrics when enabled (bearer auth when auth.require_auth)
//
// # Lifecycle
//
// Run listens on server.host:server.port and blocks until its context ends,
// then shuts down within server.shutdown_timeout. ServeStdio serves MCP over
// a reader and writer instead and closes the store when input ends.
package gateway
