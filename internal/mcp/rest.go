// ABOUTME: Plain JSON endpoints for tool discovery and invocation without a JSON-RPC session
// ABOUTME: GET /mcp/tools lists tools; POST /mcp/call runs one and returns the MCP tool result

package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/tools"
)

// restCallRequest is the POST /mcp/call body. Args and Arguments are aliases.
type restCallRequest struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleRESTTools(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErrorMessage(err)})
		return
	}

	result := s.listTools()
	s.bus.Publish(events.New(events.TypeCache, map[string]any{"resource": "tools", "status": "synced"}))
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRESTCall(w http.ResponseWriter, r *http.Request) {
	principalID, err := s.authenticate(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErrorMessage(err)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil || int64(len(body)) > MaxRequestBodySize {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	var req restCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing tool name"})
		return
	}
	args := req.Args
	if len(args) == 0 {
		args = req.Arguments
	}

	s.logger.Debug("rest tool call", "tool_name", req.Name, "principal_id", principalID)

	obs, err := s.registry.Call(withPrincipal(r.Context(), principalID), req.Name, args)
	switch {
	case err == nil:
	case errors.Is(err, tools.ErrToolNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, tools.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	default:
		rpcErr := s.toolError(req.Name, err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": rpcErr.Message, "detail": rpcErr.Data})
		return
	}

	text, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encoding tool result failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, MCPCallToolResult{
		Content:           []MCPContent{{Type: "text", Text: string(text)}},
		StructuredContent: obs,
	})
}
