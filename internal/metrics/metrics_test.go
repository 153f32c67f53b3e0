// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Uses prometheus/testutil to read counter values back

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.CacheHit("binance_rest")
	m.CacheHit("binance_rest")
	m.CacheMiss("binance_rest")
	m.FetchFailure("gdelt", "status")
	m.GapDetected("ws_btcusdt")
	m.StreamFrame("ws_btcusdt")
	m.ToolCall("observability_price_window", "ok", 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("binance_rest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("binance_rest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchFailures.WithLabelValues("gdelt", "status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gapEvents.WithLabelValues("ws_btcusdt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamFrames.WithLabelValues("ws_btcusdt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("observability_price_window", "ok")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("x")
		m.CacheMiss("x")
		m.FetchFailure("x", "status")
		m.GapDetected("x")
		m.StreamFrame("x")
		m.ToolCall("x", "ok", time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheHit("dune")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `binance_mcp_cache_hits_total{source="dune"} 1`)
}
