// ABOUTME: Tests for the tool registry: dispatch, memoisation, replay, metrics, and events
// ABOUTME: Uses a stub tool where the observability tools would add noise

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/binance-mcp/internal/auth"
	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/observation"
	"github.com/2389/binance-mcp/internal/store"
)

func stubTool(name string, handler Handler) *Tool {
	return &Tool{
		Definition: Definition{Name: name, Description: "stub", InputSchema: inputSchema("")},
		Handler:    handler,
	}
}

func echoTool(name string) *Tool {
	return stubTool(name, func(ctx context.Context, args Args) (observation.Observation, error) {
		v, err := args.String("value", "")
		if err != nil {
			return observation.Observation{}, err
		}
		return observation.Build(map[string]any{"value": v}, observation.Args{
			QualityFlags: []string{"stub"},
			CalcVersion:  "stub:v1",
		}, time.Now()), nil
	})
}

func TestRegistry_ListIsSorted(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	reg.Register(echoTool("zeta"), echoTool("alpha"), echoTool("mid"))

	defs := reg.List()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
}

func TestRegistry_ObservabilityPackRegistersTenTools(t *testing.T) {
	env := newTestEnv(t, endpointsFor(newUpstream(t, nil, nil)))

	defs := env.registry.List()
	require.Len(t, defs, 10)
	for _, def := range defs {
		assert.Contains(t, def.Name, "observability_")
		assert.NotEmpty(t, def.Description)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(def.InputSchema, &schema), def.Name)
		assert.Equal(t, "object", schema["type"])
		props := schema["properties"].(map[string]any)
		assert.Contains(t, props, "anchor_ts_ms", def.Name)
		assert.Contains(t, props, "window_ms", def.Name)

		var out map[string]any
		require.NoError(t, json.Unmarshal(def.OutputSchema, &out), def.Name)
	}

	tool, ok := env.registry.Get("observability_rpc_balance")
	require.True(t, ok)
	var schema struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(tool.Definition.InputSchema, &schema))
	assert.Equal(t, []string{"address"}, schema.Required)
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})

	_, err := reg.Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistry_RejectsNonObjectArguments(t *testing.T) {
	rec := &recordingRecorder{}
	reg := NewRegistry(RegistryConfig{Recorder: rec})
	reg.Register(echoTool("echo"))

	_, err := reg.Call(context.Background(), "echo", json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1, rec.Count("echo", StatusInvalid))
}

func TestRegistry_RecordsStatuses(t *testing.T) {
	rec := &recordingRecorder{}
	pub := &recordingPublisher{}
	reg := NewRegistry(RegistryConfig{Recorder: rec, Events: pub})
	reg.Register(echoTool("echo"), stubTool("boom", func(ctx context.Context, args Args) (observation.Observation, error) {
		return observation.Observation{}, errors.New("upstream exploded")
	}))
	ctx := context.Background()

	_, err := reg.Call(ctx, "echo", json.RawMessage(`{"value":"x"}`))
	require.NoError(t, err)
	_, err = reg.Call(ctx, "echo", json.RawMessage(`{"value":3}`))
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = reg.Call(ctx, "boom", nil)
	require.Error(t, err)

	assert.Equal(t, 1, rec.Count("echo", StatusOK))
	assert.Equal(t, 1, rec.Count("echo", StatusInvalid))
	assert.Equal(t, 1, rec.Count("boom", StatusError))

	toolEvents := pub.OfType(events.TypeTool)
	require.Len(t, toolEvents, 3)
	first := toolEvents[0].Data.(map[string]any)
	assert.Equal(t, "echo", first["tool"])
	assert.Equal(t, StatusOK, first["status"])
	assert.Equal(t, []string{"stub"}, first["quality_flags"])
	last := toolEvents[2].Data.(map[string]any)
	assert.Equal(t, "upstream exploded", last["error"])
}

func TestRegistry_AttributesCallsToPrincipal(t *testing.T) {
	pub := &recordingPublisher{}
	reg := NewRegistry(RegistryConfig{Events: pub})
	reg.Register(echoTool("echo"))

	ctx := auth.WithAuth(context.Background(), &auth.AuthContext{PrincipalID: "desktop"})
	_, err := reg.Call(ctx, "echo", json.RawMessage(`{"value":"x"}`))
	require.NoError(t, err)
	_, err = reg.Call(context.Background(), "echo", json.RawMessage(`{"value":"x"}`))
	require.NoError(t, err)

	toolEvents := pub.OfType(events.TypeTool)
	require.Len(t, toolEvents, 2)
	assert.Equal(t, "desktop", toolEvents[0].Data.(map[string]any)["principal_id"])
	assert.NotContains(t, toolEvents[1].Data.(map[string]any), "principal_id")
}

func TestRegistry_AppliesCallTimeout(t *testing.T) {
	reg := NewRegistry(RegistryConfig{CallTimeout: 20 * time.Millisecond})
	reg.Register(stubTool("slow", func(ctx context.Context, args Args) (observation.Observation, error) {
		<-ctx.Done()
		return observation.Observation{}, ctx.Err()
	}))

	_, err := reg.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_MemoisesAndReplays(t *testing.T) {
	s := store.NewMockStore()
	reg := NewRegistry(RegistryConfig{Store: s})
	reg.Register(echoTool("echo"))
	ctx := context.Background()

	obs, err := reg.Call(ctx, "echo", json.RawMessage(`{"value":"x","window_ms":1000}`))
	require.NoError(t, err)

	// Key order does not matter for replay
	out, err := reg.Replay(ctx, "echo", json.RawMessage(`{"window_ms":1000,"value":"x"}`))
	require.NoError(t, err)

	var replayed observation.Observation
	require.NoError(t, json.Unmarshal(out, &replayed))
	assert.Equal(t, obs.TsMs, replayed.TsMs)
	assert.Equal(t, obs.QualityFlags, replayed.QualityFlags)
	assert.Equal(t, map[string]any{"value": "x"}, replayed.Data)

	_, err = reg.Replay(ctx, "echo", json.RawMessage(`{"value":"y"}`))
	assert.ErrorIs(t, err, store.ErrNotFound)

	hashes, err := s.ListPayloadHashes(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestRegistry_FailedCallsAreNotMemoised(t *testing.T) {
	s := store.NewMockStore()
	reg := NewRegistry(RegistryConfig{Store: s})
	reg.Register(echoTool("echo"))
	ctx := context.Background()

	_, err := reg.Call(ctx, "echo", json.RawMessage(`{"value":1}`))
	require.Error(t, err)

	_, err = reg.Replay(ctx, "echo", json.RawMessage(`{"value":1}`))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_ReplayWithoutStore(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	reg.Register(echoTool("echo"))

	_, err := reg.Replay(context.Background(), "echo", nil)
	assert.Error(t, err)
}

func TestRegistry_ValidationHappensBeforeFetch(t *testing.T) {
	u := newUpstream(t, map[string]string{"/api/v3/ticker/price": `{"price":"1"}`}, nil)
	env := newTestEnv(t, endpointsFor(u))

	_, err := env.registry.Call(context.Background(), "observability_price_window", json.RawMessage(`{"symbol":"not a symbol"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbol", verr.Field)
	assert.Equal(t, 0, u.Total())
	assert.Empty(t, env.store.Rows(store.TableRestCache))
}
