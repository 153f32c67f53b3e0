// ABOUTME: Shared fixtures for tool tests: a stub upstream server and a wired registry
// ABOUTME: The upstream counts hits per path so tests can assert on network activity

package tools

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/gap"
	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/observation"
	"github.com/2389/binance-mcp/internal/store"
)

type upstream struct {
	*httptest.Server
	mu       sync.Mutex
	hits     map[string]int
	requests []*http.Request
	bodies   []string
}

func (u *upstream) Hits(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.hits {
		n += c
	}
	return n
}

func (u *upstream) LastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		return nil
	}
	return u.requests[len(u.requests)-1]
}

func (u *upstream) Body(i int) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bodies[i]
}

// newUpstream serves routes; each value is written with status 200 unless
// the route is registered in statuses.
func newUpstream(t *testing.T, routes map[string]string, statuses map[string]int) *upstream {
	t.Helper()
	u := &upstream{hits: map[string]int{}}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.hits[r.URL.Path]++
		u.requests = append(u.requests, r)
		u.bodies = append(u.bodies, string(body))
		u.mu.Unlock()

		if status, ok := statuses[r.URL.Path]; ok {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"msg":"unavailable"}`)
			return
		}
		payload, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(u.Close)
	return u
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) OfType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type recordingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingRecorder) ToolCall(tool, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[tool+"/"+status]++
}

func (r *recordingRecorder) Count(tool, status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[tool+"/"+status]
}

type testEnv struct {
	registry  *Registry
	deps      *Deps
	store     *store.MockStore
	publisher *recordingPublisher
}

func endpointsFor(u *upstream) Endpoints {
	return Endpoints{
		BinanceSpot:    u.URL,
		BinanceFutures: u.URL,
		GDELT:          u.URL + "/gdelt",
		DefiLlama:      u.URL,
		RPCLatency:     []string{u.URL + "/rpc-a", u.URL + "/rpc-b"},
		RPCBalance:     []string{u.URL + "/rpc-a", u.URL + "/rpc-b"},
	}
}

func newTestEnv(t *testing.T, endpoints Endpoints) *testEnv {
	t.Helper()
	pub := &recordingPublisher{}
	s := store.NewMockStore()
	deps := &Deps{
		Fetcher:   httpcache.NewClient(httpcache.ClientConfig{}),
		Builder:   observation.NewBuilder(observation.BuilderConfig{}),
		Gaps:      gap.NewRegistry(gap.Config{}),
		Events:    pub,
		Endpoints: endpoints,
	}
	reg := NewRegistry(RegistryConfig{Store: s, Events: pub})
	reg.Register(ObservabilityPack(deps)...)
	return &testEnv{registry: reg, deps: deps, store: s, publisher: pub}
}

// envelope decodes an observation through JSON the way a client sees it.
func envelope(t *testing.T, obs observation.Observation) map[string]any {
	t.Helper()
	data, err := json.Marshal(obs)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func dataOf(t *testing.T, obs observation.Observation) map[string]any {
	t.Helper()
	data, ok := envelope(t, obs)["data"].(map[string]any)
	require.True(t, ok, "data is not an object")
	return data
}
