// ABOUTME: JSON-RPC 2.0 message types and the method dispatcher shared by every transport
// ABOUTME: Maps tool errors onto MCP tool results or JSON-RPC error codes

package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no ID.
func (r JSONRPCRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content           []MCPContent `json:"content"`
	StructuredContent any          `json:"structuredContent,omitempty"`
	IsError           bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func rpcError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

// dispatch runs one request and returns its result or error. Transports own
// framing, sessions, and notifications.
func (s *Server) dispatch(ctx context.Context, req JSONRPCRequest) (any, *JSONRPCError) {
	switch req.Method {
	case "initialize":
		return s.initializeResult(), nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		var params MCPCallToolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, rpcError(JSONRPCInvalidParams, "invalid params")
			}
		}
		if params.Name == "" {
			return nil, rpcError(JSONRPCInvalidParams, "tool name is required")
		}
		return s.callTool(ctx, params.Name, params.Arguments)
	default:
		return nil, rpcError(JSONRPCMethodNotFound, "method not found")
	}
}

func (s *Server) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	}
}

func (s *Server) listTools() MCPListToolsResult {
	defs := s.registry.List()
	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(defs))}
	for i, def := range defs {
		result.Tools[i] = MCPToolInfo{
			Name:         def.Name,
			Description:  def.Description,
			InputSchema:  def.InputSchema,
			OutputSchema: def.OutputSchema,
		}
	}
	return result
}

// callTool runs a tool. Validation failures are tool results with isError
// set so the model can correct its arguments; everything else is a
// JSON-RPC error.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, *JSONRPCError) {
	obs, err := s.registry.Call(ctx, name, args)
	if err != nil {
		if errors.Is(err, tools.ErrInvalidArgument) {
			return MCPCallToolResult{
				Content: []MCPContent{{Type: "text", Text: err.Error()}},
				IsError: true,
			}, nil
		}
		return nil, s.toolError(name, err)
	}

	text, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		return nil, rpcError(JSONRPCInternalError, "encoding tool result failed")
	}
	return MCPCallToolResult{
		Content:           []MCPContent{{Type: "text", Text: string(text)}},
		StructuredContent: obs,
	}, nil
}

// toolError maps a failed call onto a JSON-RPC error.
func (s *Server) toolError(name string, err error) *JSONRPCError {
	s.logger.Warn("tool execution failed", "tool_name", name, "error", err)

	var fetchErr *httpcache.FetchError
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return rpcError(JSONRPCInvalidParams, "tool not found")
	case errors.Is(err, context.DeadlineExceeded):
		return rpcError(JSONRPCInternalError, "tool execution timed out")
	case errors.Is(err, context.Canceled):
		return rpcError(JSONRPCInternalError, "request cancelled")
	case errors.As(err, &fetchErr):
		return &JSONRPCError{
			Code:    JSONRPCInternalError,
			Message: "upstream fetch failed",
			Data:    map[string]any{"source": fetchErr.Source, "status": fetchErr.StatusCode},
		}
	default:
		return rpcError(JSONRPCInternalError, "tool execution failed")
	}
}

// respond wraps a dispatch outcome in a response envelope.
func respond(id json.RawMessage, result any, rpcErr *JSONRPCError) JSONRPCResponse {
	if rpcErr != nil {
		return JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}
