// ABOUTME: MCP server exposing the observability tools over HTTP
// ABOUTME: Implements Streamable HTTP transport (MCP revision 2025-11-25) with session management

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/binance-mcp/internal/auth"
	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/observation"
	"github.com/2389/binance-mcp/internal/tools"
)

// ToolRegistry is what the server needs from *tools.Registry.
type ToolRegistry interface {
	List() []tools.Definition
	Call(ctx context.Context, name string, raw json.RawMessage) (observation.Observation, error)
}

// HealthFunc reports component health for /health and the events stream.
type HealthFunc func() map[string]any

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	principalID     string
	ownerToken      string // auth token used to verify session ownership on DELETE
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, principalID, ownerToken string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		principalID:     principalID,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry      ToolRegistry
	Events        *events.Bus // optional; enables /mcp/events
	Health        HealthFunc  // optional
	Logger        *slog.Logger
	TokenVerifier auth.TokenVerifier
	TokenStore    *TokenStore // Token-based auth (URL path or query param)
	RequireAuth   bool        // If true, reject requests without valid auth
	Name          string
	Version       string
	KeepAlive     time.Duration // SSE comment interval; 0 means 30s
}

// Server implements MCP-compatible endpoints for external agents.
type Server struct {
	registry    ToolRegistry
	bus         *events.Bus
	health      HealthFunc
	logger      *slog.Logger
	verifier    auth.TokenVerifier
	tokenStore  *TokenStore
	requireAuth bool
	name        string
	version     string
	keepAlive   time.Duration
	sessions    *sessionStore
	streams     *sseStreams
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.RequireAuth && cfg.TokenVerifier == nil && cfg.TokenStore == nil {
		return nil, errors.New("token verifier or token store required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "binance-mcp"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	return &Server{
		registry:    cfg.Registry,
		bus:         cfg.Events,
		health:      cfg.Health,
		logger:      logger.With("component", "mcp"),
		verifier:    cfg.TokenVerifier,
		tokenStore:  cfg.TokenStore,
		requireAuth: cfg.RequireAuth,
		name:        name,
		version:     version,
		keepAlive:   keepAlive,
		sessions:    newSessionStore(),
		streams:     newSSEStreams(),
	}, nil
}

// RegisterRoutes registers every HTTP endpoint on the given ServeMux.
// /mcp/<token> is the token-in-path form of /mcp.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
	mux.HandleFunc("GET /mcp/tools", s.handleRESTTools)
	mux.HandleFunc("POST /mcp/call", s.handleRESTCall)
	mux.HandleFunc("GET /mcp/events", s.handleEvents)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages", s.handleSSEMessage)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport (MCP revision 2025-11-25).
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams on /mcp
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session as Streamable HTTP requires.
// Verifies the caller owns the session to prevent unauthorized termination.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	// The DELETE request must carry the same auth as initialize
	if sess.ownerToken != "" && s.extractOwnerToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// readRequest reads and decodes one JSON-RPC request body.
func readRequest(r *http.Request) (JSONRPCRequest, *JSONRPCError) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return JSONRPCRequest{}, rpcError(JSONRPCParseError, "failed to read request body")
	}
	if int64(len(body)) > MaxRequestBodySize {
		return JSONRPCRequest{}, rpcError(JSONRPCInvalidRequest, "request body too large")
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return JSONRPCRequest{}, rpcError(JSONRPCParseError, "invalid JSON")
	}
	if req.JSONRPC != "2.0" {
		return req, rpcError(JSONRPCInvalidRequest, "invalid JSON-RPC version")
	}
	return req, nil
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	req, rpcErr := readRequest(r)
	if rpcErr != nil {
		s.sendJSONRPC(w, respond(req.ID, nil, rpcErr))
		return
	}

	isInitialize := req.Method == "initialize"

	// Validate protocol version header (not required on initialize)
	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var principalID string
	if isInitialize {
		id, err := s.authenticate(r)
		if err != nil {
			s.sendJSONRPC(w, respond(nil, nil, rpcError(JSONRPCInvalidRequest, authErrorMessage(err))))
			return
		}
		principalID = id
	} else {
		// Non-initialize requests require a valid session
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.get(sessionID)
		if !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		principalID = sess.principalID
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", req.isNotification(),
		"session_id", sessionID,
		"principal_id", principalID,
	)

	// Handle notifications: accept and return HTTP 202 with no body
	if req.isNotification() {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if isInitialize {
		sess := s.sessions.create(latestProtocolVersion, principalID, s.extractOwnerToken(r))
		s.logger.Info("MCP session created",
			"session_id", sess.id,
			"protocol_version", sess.protocolVersion,
		)
		w.Header().Set("Mcp-Session-Id", sess.id)
	}

	result, rpcErr := s.dispatch(withPrincipal(r.Context(), principalID), req)
	s.sendJSONRPC(w, respond(req.ID, result, rpcErr))
}

// withPrincipal attaches principalID so tool calls can attribute their logs.
// Anonymous calls carry nothing.
func withPrincipal(ctx context.Context, principalID string) context.Context {
	if principalID == "" {
		return ctx
	}
	return auth.WithAuth(ctx, &auth.AuthContext{PrincipalID: principalID})
}

// errInvalidToken is returned when a token is provided but invalid/expired.
// This is distinct from "no auth": a presented token that fails is rejected
// rather than treated as anonymous.
var errInvalidToken = errors.New("invalid or expired token")

// errAuthRequired is returned when no credentials were presented and the
// server requires them.
var errAuthRequired = errors.New("authentication required")

func authErrorMessage(err error) string {
	if errors.Is(err, errInvalidToken) {
		return "invalid or expired token"
	}
	return "authentication required"
}

// authenticate returns the caller's principal ID, or "" for an anonymous
// caller when auth is optional.
func (s *Server) authenticate(r *http.Request) (string, error) {
	// First try token from URL path (e.g., /mcp/<token>)
	if pathToken := strings.TrimPrefix(r.URL.Path, "/mcp/"); pathToken != "" && pathToken != r.URL.Path {
		pathToken = strings.TrimRight(pathToken, "/")
		if strings.Contains(pathToken, "/") {
			return "", errInvalidToken
		}
		return s.lookupToken(pathToken)
	}

	// Fall back to token query parameter
	if token := r.URL.Query().Get("token"); token != "" {
		return s.lookupToken(token)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if s.requireAuth {
			return "", errAuthRequired
		}
		return "", nil
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errInvalidToken
	}
	if s.verifier == nil {
		if s.requireAuth {
			return "", errInvalidToken
		}
		return "", nil
	}

	principalID, err := s.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		s.logger.Debug("bearer token rejected", "error", err)
		return "", errInvalidToken
	}
	return principalID, nil
}

func (s *Server) lookupToken(token string) (string, error) {
	if s.tokenStore != nil {
		if principal, ok := s.tokenStore.Principal(token); ok {
			return principal, nil
		}
	}
	return "", errInvalidToken
}

// extractOwnerToken derives a stable identity string from the request's auth
// credentials. Used to bind sessions to their creator for ownership verification.
func (s *Server) extractOwnerToken(r *http.Request) string {
	if pathToken := strings.TrimPrefix(r.URL.Path, "/mcp/"); pathToken != "" && pathToken != r.URL.Path {
		return strings.TrimRight(pathToken, "/")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// SessionCount returns the number of live Streamable HTTP sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// sendJSONRPC writes a JSON-RPC response.
func (s *Server) sendJSONRPC(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// writeJSON writes v with status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.healthSnapshot())
}

func (s *Server) healthSnapshot() map[string]any {
	out := map[string]any{
		"status":    "ok",
		"service":   s.name,
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.sessions.count(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			out[k] = v
		}
	}
	return out
}
