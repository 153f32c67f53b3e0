// Package mcp implements the Model Context Protocol server for the
// observability tools.
//
// # Transports
//
// Every transport shares one JSON-RPC dispatcher handling initialize, ping,
// tools/list, and tools/call.
//
//   - Streamable HTTP: POST /mcp. initialize creates a session returned in
//     the Mcp-Session-Id header; later requests must carry it. Notifications
//     get 202 Accepted. DELETE /mcp ends the session.
//   - Legacy SSE: GET /sse opens a stream whose first event announces
//     /messages?sessionId=<id>. Requests POSTed there are answered on the
//     stream as "message" events.
//   - REST: GET /mcp/tools, POST /mcp/call with {"name", "args"} (or
//     "arguments"), and GET /mcp/events streaming bus events, beginning with
//     a health snapshot.
//   - stdio: newline-delimited JSON-RPC, see ServeStdio.
//
// # Tool Results
//
// A successful call returns the observation envelope twice: indented JSON in
// a text content block, and as structuredContent:
//
//	{
//	  "content": [{"type": "text", "text": "{\n  \"ts_ms\": ..."}],
//	  "structuredContent": {"ts_ms": ..., "quality_flags": [], ...}
//	}
//
// Argument validation failures come back as results with isError set. Unknown
// tools are JSON-RPC -32602; failed mandatory fetches, timeouts, and other
// errors are -32603.
//
// # Authentication
//
// Bearer tokens in the Authorization header are checked by the configured
// auth.TokenVerifier. Clients that cannot set headers may use a TokenStore
// token in the path (/mcp/<token>) or query (?token=). With RequireAuth off,
// requests without credentials are served anonymously, but a presented token
// that fails verification is always rejected.
package mcp
