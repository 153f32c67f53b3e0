// ABOUTME: Tests for the MCP server transports: streamable HTTP, legacy SSE, REST, and stdio
// ABOUTME: Uses a fake tool registry so each test controls tool outcomes

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
	"github.com/2389/binance-mcp/internal/tools"
)

// mockTokenVerifier implements auth.TokenVerifier for testing.
type mockTokenVerifier struct {
	valid map[string]string
}

func (m *mockTokenVerifier) Verify(token string) (string, error) {
	if p, ok := m.valid[token]; ok {
		return p, nil
	}
	return "", errors.New("bad token")
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRegistry) List() []tools.Definition {
	return []tools.Definition{
		{Name: "echo", Description: "Echo arguments", InputSchema: json.RawMessage(`{"type":"object"}`), OutputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "fail", Description: "Always fails", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

func (f *fakeRegistry) Call(ctx context.Context, name string, raw json.RawMessage) (observation.Observation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	switch name {
	case "echo":
		var args map[string]any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &args)
		}
		if v, ok := args["value"]; ok {
			if _, isString := v.(string); !isString {
				return observation.Observation{}, &tools.ValidationError{Field: "value", Reason: "must be a string"}
			}
		}
		return observation.Build(args, observation.Args{CalcVersion: "echo:v1"}, time.UnixMilli(1_700_000_000_000)), nil
	case "fail":
		return observation.Observation{}, &httpcache.FetchError{Source: "binance_rest", URL: "http://x", StatusCode: 503, Err: errors.New("HTTP 503")}
	case "slow":
		return observation.Observation{}, fmt.Errorf("running slow: %w", context.DeadlineExceeded)
	default:
		return observation.Observation{}, fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{Registry: &fakeRegistry{}, Events: events.NewBus(nil), KeepAlive: time.Hour}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func newMux(srv *Server) *http.ServeMux {
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return mux
}

type rpcResult struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JSONRPCError   `json:"error"`
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) rpcResult {
	t.Helper()
	var out rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// initSession runs initialize and returns the session ID.
func initSession(t *testing.T, h http.Handler, headers map[string]string) string {
	t.Helper()
	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRPC(t, rec)
	require.Nil(t, resp.Error)
	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Registry: &fakeRegistry{}, RequireAuth: true})
	assert.Error(t, err)

	srv, err := NewServer(Config{Registry: &fakeRegistry{}})
	require.NoError(t, err)
	assert.Equal(t, "binance-mcp", srv.name)
}

func TestStreamableHTTP_Lifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	h := newMux(srv)

	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var init struct {
		Result struct {
			ProtocolVersion string         `json:"protocolVersion"`
			ServerInfo      map[string]any `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &init))
	assert.Equal(t, latestProtocolVersion, init.Result.ProtocolVersion)
	assert.Equal(t, "binance-mcp", init.Result.ServerInfo["name"])

	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, srv.SessionCount())
	headers := map[string]string{"Mcp-Session-Id": sessionID}

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, headers)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
	var list struct {
		Result MCPListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Result.Tools, 2)
	assert.Equal(t, "echo", list.Result.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(list.Result.Tools[0].OutputSchema))

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":3,"method":"ping"}`, headers)
	assert.Nil(t, decodeRPC(t, rec).Error)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)
	assert.Equal(t, 0, srv.SessionCount())

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamableHTTP_RequestValidation(t *testing.T) {
	h := newMux(newTestServer(t, nil))
	sessionID := initSession(t, h, nil)

	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, map[string]string{"Mcp-Session-Id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, map[string]string{
		"Mcp-Session-Id":       sessionID,
		"Mcp-Protocol-Version": "1999-01-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/mcp", `not json`, nil)
	assert.Equal(t, JSONRPCParseError, decodeRPC(t, rec).Error.Code)

	rec = post(t, h, "/mcp", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, nil)
	assert.Equal(t, JSONRPCInvalidRequest, decodeRPC(t, rec).Error.Code)

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, map[string]string{"Mcp-Session-Id": sessionID})
	assert.Equal(t, JSONRPCMethodNotFound, decodeRPC(t, rec).Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	get := httptest.NewRecorder()
	h.ServeHTTP(get, req)
	assert.Equal(t, http.StatusMethodNotAllowed, get.Code)
}

func TestStreamableHTTP_ToolsCall(t *testing.T) {
	h := newMux(newTestServer(t, nil))
	headers := map[string]string{"Mcp-Session-Id": initSession(t, h, nil)}

	t.Run("success", func(t *testing.T) {
		rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"value":"hi"}}}`, headers)
		resp := decodeRPC(t, rec)
		require.Nil(t, resp.Error)
		assert.JSONEq(t, `7`, string(resp.ID))

		var result MCPCallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.False(t, result.IsError)
		require.Len(t, result.Content, 1)
		assert.Equal(t, "text", result.Content[0].Type)
		assert.Contains(t, result.Content[0].Text, "\n  \"ts_ms\": 1700000000000")

		structured := result.StructuredContent.(map[string]any)
		assert.Equal(t, map[string]any{"value": "hi"}, structured["data"])
		assert.Equal(t, []any{}, structured["quality_flags"])
	})

	t.Run("validation error is a tool result", func(t *testing.T) {
		rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"echo","arguments":{"value":5}}}`, headers)
		resp := decodeRPC(t, rec)
		require.Nil(t, resp.Error)
		var result MCPCallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "value")
	})

	t.Run("unknown tool", func(t *testing.T) {
		rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"missing"}}`, headers)
		resp := decodeRPC(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{}}`, headers)
		assert.Equal(t, JSONRPCInvalidParams, decodeRPC(t, rec).Error.Code)
	})

	t.Run("fetch failure", func(t *testing.T) {
		rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"fail"}}`, headers)
		resp := decodeRPC(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInternalError, resp.Error.Code)
		assert.Equal(t, "upstream fetch failed", resp.Error.Message)
	})

	t.Run("timeout", func(t *testing.T) {
		rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":12,"method":"tools/call","params":{"name":"slow"}}`, headers)
		resp := decodeRPC(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "tool execution timed out", resp.Error.Message)
	})
}

func TestStreamableHTTP_Auth(t *testing.T) {
	tokens := NewTokenStore()
	urlToken := tokens.CreateToken("desktop-client")
	srv := newTestServer(t, func(c *Config) {
		c.RequireAuth = true
		c.TokenVerifier = &mockTokenVerifier{valid: map[string]string{"good": "user-1"}}
		c.TokenStore = tokens
	})
	h := newMux(srv)

	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "authentication required", resp.Error.Message)
	assert.Empty(t, rec.Header().Get("Mcp-Session-Id"))

	rec = post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, map[string]string{"Authorization": "Bearer bad"})
	assert.Equal(t, "invalid or expired token", decodeRPC(t, rec).Error.Message)

	sessionID := initSession(t, h, map[string]string{"Authorization": "Bearer good"})
	sess, ok := srv.sessions.get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "user-1", sess.principalID)

	// Only the owner can end the session
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Authorization", "Bearer someone-else")
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	assert.Equal(t, http.StatusForbidden, del.Code)

	rec = post(t, h, "/mcp/"+urlToken, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	require.Nil(t, decodeRPC(t, rec).Error)
	sess, _ = srv.sessions.get(rec.Header().Get("Mcp-Session-Id"))
	require.NotNil(t, sess)
	assert.Equal(t, "desktop-client", sess.principalID)

	rec = post(t, h, "/mcp?token="+urlToken, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	require.Nil(t, decodeRPC(t, rec).Error)

	rec = post(t, h, "/mcp/unknown-token", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	assert.Equal(t, "invalid or expired token", decodeRPC(t, rec).Error.Message)
}

func TestStreamableHTTP_OptionalAuthStillRejectsBadTokens(t *testing.T) {
	h := newMux(newTestServer(t, func(c *Config) {
		c.TokenVerifier = &mockTokenVerifier{valid: map[string]string{"good": "user-1"}}
	}))

	initSession(t, h, nil)

	rec := post(t, h, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, map[string]string{"Authorization": "Bearer bad"})
	require.NotNil(t, decodeRPC(t, rec).Error)
}

func TestREST_ToolsAndCall(t *testing.T) {
	srv := newTestServer(t, nil)
	h := newMux(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := srv.bus.Subscribe(ctx, events.TypeCache)

	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list MCPListToolsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Tools, 2)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeCache, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no cache event published")
	}

	rec = post(t, h, "/mcp/call", `{"name":"echo","args":{"value":"a"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result MCPCallToolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "a", result.StructuredContent.(map[string]any)["data"].(map[string]any)["value"])

	rec = post(t, h, "/mcp/call", `{"name":"echo","arguments":{"value":"b"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"value":"b"`)

	tests := []struct {
		body   string
		status int
	}{
		{`{}`, http.StatusBadRequest},
		{`nope`, http.StatusBadRequest},
		{`{"name":"missing"}`, http.StatusNotFound},
		{`{"name":"echo","args":{"value":1}}`, http.StatusBadRequest},
		{`{"name":"fail"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		rec := post(t, h, "/mcp/call", tt.body, nil)
		assert.Equal(t, tt.status, rec.Code, tt.body)
		assert.Contains(t, rec.Body.String(), `"error"`, tt.body)
	}
}

func TestREST_RequiresAuth(t *testing.T) {
	h := newMux(newTestServer(t, func(c *Config) {
		c.RequireAuth = true
		c.TokenVerifier = &mockTokenVerifier{valid: map[string]string{"good": "user-1"}}
	}))

	rec := post(t, h, "/mcp/call", `{"name":"echo"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, "/mcp/call", `{"name":"echo"}`, map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newMux(newTestServer(t, func(c *Config) {
		c.Health = func() map[string]any { return map[string]any{"breakers": map[string]string{"binance_rest": "closed"}} }
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"binance_rest": "closed"}, body["breakers"])
}

// sseReader reads events from a live SSE response.
type sseReader struct {
	r *bufio.Reader
}

func (s *sseReader) next(t *testing.T) (event, data string) {
	t.Helper()
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestLegacySSE(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(newMux(srv))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := &sseReader{r: bufio.NewReader(resp.Body)}
	event, endpoint := stream.next(t)
	require.Equal(t, "endpoint", event)
	require.True(t, strings.HasPrefix(endpoint, "/messages?sessionId="))

	msgResp, err := http.Post(ts.URL+endpoint, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"echo","arguments":{"value":"sse"}}}`))
	require.NoError(t, err)
	msgResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, msgResp.StatusCode)

	event, data := stream.next(t)
	assert.Equal(t, "message", event)
	var msg rpcResult
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.JSONEq(t, `"abc"`, string(msg.ID))
	assert.Contains(t, string(msg.Result), "sse")

	bad, err := http.Post(ts.URL+"/messages?sessionId=nope", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestEventsStream(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(newMux(srv))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/mcp/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	stream := &sseReader{r: bufio.NewReader(resp.Body)}
	event, data := stream.next(t)
	assert.Equal(t, events.TypeHealth, event)
	assert.Contains(t, data, `"status":"ok"`)

	require.Eventually(t, func() bool { return srv.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	srv.bus.Publish(events.New(events.TypeGap, map[string]any{"label": "ws_btcusdt"}))

	event, data = stream.next(t)
	assert.Equal(t, events.TypeGap, event)
	assert.Contains(t, data, "ws_btcusdt")
}

func TestServeStdio(t *testing.T) {
	srv := newTestServer(t, nil)
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		``,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"value":"x"}}}`,
		`garbage`,
	}, "\n") + "\n")
	var out bytes.Buffer

	require.NoError(t, srv.ServeStdio(context.Background(), in, &out))

	var responses []rpcResult
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var r rpcResult
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		responses = append(responses, r)
	}
	require.Len(t, responses, 4)
	sort.Slice(responses, func(i, j int) bool { return string(responses[i].ID) < string(responses[j].ID) })

	// "null" sorts after the digits
	assert.Equal(t, "1", string(responses[0].ID))
	assert.Contains(t, string(responses[0].Result), latestProtocolVersion)
	assert.Contains(t, string(responses[1].Result), `"echo"`)
	assert.Contains(t, string(responses[2].Result), `structuredContent`)
	assert.Equal(t, "null", string(responses[3].ID))
	assert.Equal(t, JSONRPCParseError, responses[3].Error.Code)
}
