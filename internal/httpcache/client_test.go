// ABOUTME: Tests for the caching JSON client
// ABOUTME: Stubs upstreams with httptest and counts network calls

package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/binance-mcp/internal/store"
)

type countingRecorder struct {
	hits, misses, failures atomic.Int32
	lastKind               atomic.Value
}

func (r *countingRecorder) CacheHit(string)  { r.hits.Add(1) }
func (r *countingRecorder) CacheMiss(string) { r.misses.Add(1) }
func (r *countingRecorder) FetchFailure(_, kind string) {
	r.failures.Add(1)
	r.lastKind.Store(kind)
}

type failingDoer struct {
	calls atomic.Int32
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

func newUpstream(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchJSON_CachesWithinTTL(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{"price":"50000"}`)
	rec := &countingRecorder{}
	c := NewClient(ClientConfig{Recorder: rec})
	ctx := context.Background()

	first, err := c.FetchJSON(ctx, srv.URL, FetchOptions{TTL: 10 * time.Second})
	require.NoError(t, err)
	second, err := c.FetchJSON(ctx, srv.URL, FetchOptions{TTL: 10 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, first.Hit)
	assert.True(t, second.Hit)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.TsMs, second.TsMs)
	assert.Equal(t, int32(1), rec.hits.Load())
	assert.Equal(t, int32(1), rec.misses.Load())

	var body struct {
		Price string `json:"price"`
	}
	require.NoError(t, second.Decode(&body))
	assert.Equal(t, "50000", body.Price)
	assert.Empty(t, second.QualityFlags)
	assert.Equal(t, DefaultSource, second.Source)
	assert.Len(t, second.Hash, 64)
}

func TestFetchJSON_RefetchesAfterTTL(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{"ok":true}`)
	now := time.UnixMilli(1_000_000)
	c := NewClient(ClientConfig{Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := c.FetchJSON(ctx, srv.URL, FetchOptions{TTL: time.Second})
	require.NoError(t, err)

	now = now.Add(999 * time.Millisecond)
	_, err = c.FetchJSON(ctx, srv.URL, FetchOptions{TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(time.Millisecond)
	_, err = c.FetchJSON(ctx, srv.URL, FetchOptions{TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchJSON_CacheKeyFoldsRequests(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{}`)
	c := NewClient(ClientConfig{})
	ctx := context.Background()

	_, err := c.FetchJSON(ctx, srv.URL+"?a=1&b=2", FetchOptions{CacheKey: "same"})
	require.NoError(t, err)
	resp, err := c.FetchJSON(ctx, srv.URL+"?b=2&a=1", FetchOptions{CacheKey: "same"})
	require.NoError(t, err)

	assert.True(t, resp.Hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchJSON_OptionalHTTPFailureDegrades(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusNotFound, `{"error":"nope"}`)
	rec := &countingRecorder{}
	c := NewClient(ClientConfig{Recorder: rec})
	ctx := context.Background()

	resp, err := c.FetchJSON(ctx, srv.URL, FetchOptions{Optional: true, Source: "gdelt"})
	require.NoError(t, err)
	assert.False(t, resp.Available())
	assert.Nil(t, resp.Value)
	assert.Equal(t, []string{"optional_source_unavailable:gdelt"}, resp.QualityFlags)
	assert.Equal(t, "gdelt", resp.Source)
	assert.Equal(t, DefaultTTL.Milliseconds(), resp.TTLMs)
	assert.ErrorIs(t, resp.Decode(&struct{}{}), ErrUnavailable)
	assert.Equal(t, FailureStatus, rec.lastKind.Load())

	// The placeholder is cached so a known-down source isn't hammered
	again, err := c.FetchJSON(ctx, srv.URL, FetchOptions{Optional: true, Source: "gdelt"})
	require.NoError(t, err)
	assert.True(t, again.Hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchJSON_OptionalTransportFailureDegrades(t *testing.T) {
	doer := &failingDoer{}
	c := NewClient(ClientConfig{HTTPClient: doer})

	resp, err := c.FetchJSON(context.Background(), "http://upstream.invalid/x", FetchOptions{Optional: true, Source: "dune"})
	require.NoError(t, err)
	assert.False(t, resp.Available())
	assert.Equal(t, []string{"optional_source_error:dune"}, resp.QualityFlags)
}

func TestFetchJSON_OptionalMalformedBodyDegrades(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, `<html>oops</html>`)
	c := NewClient(ClientConfig{})

	resp, err := c.FetchJSON(context.Background(), srv.URL, FetchOptions{Optional: true, Source: "defillama"})
	require.NoError(t, err)
	assert.Equal(t, []string{"optional_source_error:defillama"}, resp.QualityFlags)
}

func TestFetchJSON_OptionalNeverFails(t *testing.T) {
	statuses := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError, http.StatusServiceUnavailable}
	for _, status := range statuses {
		srv, _ := newUpstream(t, status, `{}`)
		c := NewClient(ClientConfig{})
		resp, err := c.FetchJSON(context.Background(), srv.URL, FetchOptions{Optional: true})
		require.NoError(t, err, "status %d", status)
		assert.Nil(t, resp.Value)
		assert.NotEmpty(t, resp.QualityFlags)
	}
}

func TestFetchJSON_MandatoryFailureReturnsFetchError(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusBadGateway, `{}`)
	c := NewClient(ClientConfig{})

	_, err := c.FetchJSON(context.Background(), srv.URL, FetchOptions{Source: "binance_rest"})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "binance_rest", fe.Source)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.Equal(t, srv.URL, fe.URL)
}

func TestFetchJSON_MandatoryTransportFailure(t *testing.T) {
	c := NewClient(ClientConfig{HTTPClient: &failingDoer{}})

	_, err := c.FetchJSON(context.Background(), "http://upstream.invalid", FetchOptions{})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.StatusCode)
	assert.Contains(t, fe.Error(), "connection refused")
}

func TestFetchJSON_PostBody(t *testing.T) {
	var gotMethod, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":"0x10"}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	resp, err := c.FetchJSON(context.Background(), srv.URL, FetchOptions{
		Method: http.MethodPost,
		Body:   []byte(`{"method":"eth_blockNumber"}`),
		Source: "rpc",
	})
	require.NoError(t, err)
	assert.True(t, resp.Available())
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"method":"eth_blockNumber"}`, gotBody)
}

func TestFetchJSON_BreakerOpensAfterFailures(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusServiceUnavailable, `{}`)
	rec := &countingRecorder{}
	var transitions atomic.Int32
	c := NewClient(ClientConfig{
		Recorder:        rec,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
		OnBreakerStateChange: func(source, from, to string) {
			transitions.Add(1)
		},
	})
	ctx := context.Background()

	// Distinct cache keys force a network attempt each time
	for _, key := range []string{"a", "b"} {
		resp, err := c.FetchJSON(ctx, srv.URL, FetchOptions{Optional: true, Source: "rpc", CacheKey: key})
		require.NoError(t, err)
		assert.Equal(t, []string{"optional_source_unavailable:rpc"}, resp.QualityFlags)
	}
	assert.Equal(t, "open", c.BreakerState("rpc"))

	resp, err := c.FetchJSON(ctx, srv.URL, FetchOptions{Optional: true, Source: "rpc", CacheKey: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"optional_source_error:rpc"}, resp.QualityFlags)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, FailureBreakerOpen, rec.lastKind.Load())
	assert.Equal(t, int32(1), transitions.Load())

	assert.Equal(t, "closed", c.BreakerState("other"))
}

func TestFetchJSON_BreakerIgnoresClientErrors(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusNotFound, `{}`)
	c := NewClient(ClientConfig{BreakerFailures: 1})
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.FetchJSON(ctx, srv.URL, FetchOptions{Optional: true, Source: "defillama", CacheKey: key})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "closed", c.BreakerState("defillama"))
}

func TestFetchJSON_RateLimiterHonoursContext(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, `{}`)
	c := NewClient(ClientConfig{RateLimitRPS: 0.001, RateLimitBurst: 1})

	_, err := c.FetchJSON(context.Background(), srv.URL, FetchOptions{CacheKey: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := c.FetchJSON(ctx, srv.URL, FetchOptions{CacheKey: "second", Optional: true, Source: "slow"})
	require.NoError(t, err)
	assert.Equal(t, []string{"optional_source_error:slow"}, resp.QualityFlags)
}

func TestFetchJSON_PersistentCacheSurvivesClients(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{"tvl":1}`)
	backing := store.NewMockStore()
	ctx := context.Background()

	first := NewClient(ClientConfig{Cache: NewPersistentCache(backing, nil)})
	_, err := first.FetchJSON(ctx, srv.URL, FetchOptions{TTL: time.Minute, Source: "defillama"})
	require.NoError(t, err)

	second := NewClient(ClientConfig{Cache: NewPersistentCache(backing, nil)})
	resp, err := second.FetchJSON(ctx, srv.URL, FetchOptions{TTL: time.Minute, Source: "defillama"})
	require.NoError(t, err)

	assert.True(t, resp.Hit)
	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, `{"tvl":1}`, string(resp.Value))
	assert.Equal(t, "defillama", resp.Source)
}

func TestTieredCache_PromotesPersistentHits(t *testing.T) {
	backing := store.NewMockStore()
	ctx := context.Background()
	persistent := NewPersistentCache(backing, nil)
	persistent.Set(ctx, "k", CachedResponse{Value: []byte(`1`), TsMs: 1, TTLMs: 60_000, QualityFlags: []string{}, Source: "x"})

	tiered := TieredCache{Memory: NewMemoryCache(), Persistent: persistent}
	resp, ok := tiered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "x", resp.Source)
	assert.Equal(t, 1, tiered.Memory.Len())
}
