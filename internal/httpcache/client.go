// ABOUTME: TTL-caching JSON fetch client with optional-source degradation
// ABOUTME: Wraps each upstream source in a circuit breaker and each host in a rate limiter

package httpcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/2389/binance-mcp/internal/hashing"
)

const (
	DefaultTTL            = 15 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultSource         = "http"

	// maxBodySize caps how much of an upstream body is read.
	maxBodySize = 10 << 20
)

// Failure kinds reported to the Recorder.
const (
	FailureStatus      = "status"
	FailureTransport   = "transport"
	FailureDecode      = "decode"
	FailureBreakerOpen = "breaker_open"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder receives cache and failure counts. *metrics.Metrics satisfies it.
type Recorder interface {
	CacheHit(source string)
	CacheMiss(source string)
	FetchFailure(source, kind string)
}

type noopRecorder struct{}

func (noopRecorder) CacheHit(string)             {}
func (noopRecorder) CacheMiss(string)            {}
func (noopRecorder) FetchFailure(string, string) {}

// FetchError is returned when a mandatory source fails.
type FetchError struct {
	Source     string
	URL        string
	StatusCode int // zero for transport failures
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s from %s: HTTP %d", e.Source, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s from %s: %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchOptions controls one FetchJSON call.
type FetchOptions struct {
	Method   string // defaults to GET
	Header   http.Header
	Body     []byte
	TTL      time.Duration // zero means the client default
	Optional bool
	Source   string // defaults to "http"
	CacheKey string // defaults to the URL

	// BreakerKey names the circuit breaker guarding the call. It defaults to
	// Source; endpoints that fail independently, like RPC nodes, use
	// EndpointBreakerKey so one dead node cannot open the breaker for the rest.
	BreakerKey string
}

// EndpointBreakerKey returns a breaker key for source scoped to rawURL's host.
func EndpointBreakerKey(source, rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return source + "|" + host
}

// ClientConfig configures a Client.
type ClientConfig struct {
	HTTPClient     Doer
	Cache          ResponseCache
	DefaultTTL     time.Duration
	RequestTimeout time.Duration

	// RateLimitRPS <= 0 disables per-host rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// BreakerFailures is the consecutive failure count that opens a source's
	// breaker. Zero disables breakers.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// OnBreakerStateChange is called when a source breaker changes state.
	OnBreakerStateChange func(source, from, to string)

	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Client fetches JSON and caches the envelopes.
type Client struct {
	http           Doer
	cache          ResponseCache
	defaultTTL     time.Duration
	requestTimeout time.Duration
	recorder       Recorder
	logger         *slog.Logger
	now            func() time.Time

	rps             float64
	burst           int
	breakerFailures uint32
	breakerTimeout  time.Duration
	onStateChange   func(source, from, to string)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a Client. Zero-valued fields take defaults; a nil Cache
// gets a fresh MemoryCache.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		http:            cfg.HTTPClient,
		cache:           cfg.Cache,
		defaultTTL:      cfg.DefaultTTL,
		requestTimeout:  cfg.RequestTimeout,
		recorder:        cfg.Recorder,
		logger:          cfg.Logger,
		now:             cfg.Now,
		rps:             cfg.RateLimitRPS,
		burst:           cfg.RateLimitBurst,
		breakerFailures: cfg.BreakerFailures,
		breakerTimeout:  cfg.BreakerTimeout,
		onStateChange:   cfg.OnBreakerStateChange,
		limiters:        make(map[string]*rate.Limiter),
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.cache == nil {
		c.cache = NewMemoryCache()
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "httpcache")
	if c.now == nil {
		c.now = time.Now
	}
	if c.burst <= 0 {
		c.burst = 1
	}
	if c.breakerTimeout <= 0 {
		c.breakerTimeout = 30 * time.Second
	}
	return c
}

// Now returns the client's clock reading.
func (c *Client) Now() time.Time {
	return c.now()
}

// FetchJSON returns the cached response for the key while it is fresh and
// otherwise fetches url. Optional sources never return an error: failures
// become a cached response with a nil Value and a quality flag.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, opts FetchOptions) (CachedResponse, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := opts.CacheKey
	if key == "" {
		key = rawURL
	}
	source := opts.Source
	if source == "" {
		source = DefaultSource
	}
	breakerKey := opts.BreakerKey
	if breakerKey == "" {
		breakerKey = source
	}
	now := c.now()

	if cached, ok := c.cache.Get(ctx, key); ok && cached.Fresh(now.UnixMilli()) {
		c.recorder.CacheHit(source)
		cached.Hit = true
		return cached, nil
	}
	c.recorder.CacheMiss(source)

	body, status, err := c.do(ctx, rawURL, breakerKey, opts)
	if err != nil {
		kind := FailureTransport
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			kind = FailureBreakerOpen
		}
		c.recorder.FetchFailure(source, kind)
		if opts.Optional {
			c.logger.Warn("optional source error", "source", source, "url", rawURL, "error", err)
			return c.degrade(ctx, key, source, now, ttl, "optional_source_error:"+source), nil
		}
		c.logger.Error("fetch failed", "source", source, "url", rawURL, "error", err)
		return CachedResponse{}, &FetchError{Source: source, URL: rawURL, Err: err}
	}

	if status < 200 || status > 299 {
		c.recorder.FetchFailure(source, FailureStatus)
		if opts.Optional {
			c.logger.Warn("optional source failed", "source", source, "url", rawURL, "status", status)
			return c.degrade(ctx, key, source, now, ttl, "optional_source_unavailable:"+source), nil
		}
		return CachedResponse{}, &FetchError{
			Source:     source,
			URL:        rawURL,
			StatusCode: status,
			Err:        fmt.Errorf("HTTP %d", status),
		}
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) || string(trimmed) == "null" {
		c.recorder.FetchFailure(source, FailureDecode)
		decodeErr := errors.New("response body is not a JSON value")
		if opts.Optional {
			c.logger.Warn("optional source error", "source", source, "url", rawURL, "error", decodeErr)
			return c.degrade(ctx, key, source, now, ttl, "optional_source_error:"+source), nil
		}
		return CachedResponse{}, &FetchError{Source: source, URL: rawURL, Err: decodeErr}
	}

	resp := CachedResponse{
		Value:        json.RawMessage(trimmed),
		TsMs:         now.UnixMilli(),
		TTLMs:        ttl.Milliseconds(),
		Hash:         hashing.SHA256Bytes(trimmed),
		QualityFlags: []string{},
		Source:       source,
	}
	c.cache.Set(ctx, key, resp)
	return resp, nil
}

// degrade caches and returns the placeholder for a failed optional source.
func (c *Client) degrade(ctx context.Context, key, source string, now time.Time, ttl time.Duration, flag string) CachedResponse {
	resp := CachedResponse{
		TsMs:         now.UnixMilli(),
		TTLMs:        ttl.Milliseconds(),
		QualityFlags: []string{flag},
		Source:       source,
	}
	c.cache.Set(ctx, key, resp)
	return resp
}

// statusError carries a response the breaker should count as a failure.
type statusError struct {
	status int
	body   []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.status)
}

type fetchResult struct {
	status int
	body   []byte
}

// do performs the request through the host limiter and the named breaker.
// Non-2xx responses come back as a status with a nil error.
func (c *Client) do(ctx context.Context, rawURL, breakerKey string, opts FetchOptions) ([]byte, int, error) {
	if limiter := c.limiter(rawURL); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	call := func() (any, error) {
		res, err := c.roundTrip(ctx, rawURL, opts)
		if err != nil {
			return nil, err
		}
		// 5xx and 429 trip the breaker; other statuses are the caller's problem
		if res.status >= 500 || res.status == http.StatusTooManyRequests {
			return nil, &statusError{status: res.status, body: res.body}
		}
		return res, nil
	}

	var (
		out any
		err error
	)
	if cb := c.breaker(breakerKey); cb != nil {
		out, err = cb.Execute(call)
	} else {
		out, err = call()
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.body, se.status, nil
	}
	if err != nil {
		return nil, 0, err
	}
	res := out.(fetchResult)
	return res.body, res.status, nil
}

func (c *Client) roundTrip(ctx context.Context, rawURL string, opts FetchOptions) (fetchResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return fetchResult{}, fmt.Errorf("building request: %w", err)
	}
	for name, values := range opts.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if opts.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fetchResult{}, fmt.Errorf("reading response body: %w", err)
	}
	return fetchResult{status: resp.StatusCode, body: data}, nil
}

// limiter returns the limiter for rawURL's host, or nil when disabled.
func (c *Client) limiter(rawURL string) *rate.Limiter {
	if c.rps <= 0 {
		return nil
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[host] = l
	}
	return l
}

// breaker returns the breaker for key, or nil when disabled.
func (c *Client) breaker(key string) *gobreaker.CircuitBreaker {
	if c.breakerFailures == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}

	threshold := c.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "source", name, "from", from.String(), "to", to.String())
			if c.onStateChange != nil {
				c.onStateChange(name, from.String(), to.String())
			}
		},
	})
	c.breakers[key] = cb
	return cb
}

// BreakerStates returns the state of every breaker created so far, keyed by
// breaker key.
func (c *Client) BreakerStates() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.breakers))
	for key, cb := range c.breakers {
		out[key] = cb.State().String()
	}
	return out
}

// BreakerState returns the named breaker's state, or "disabled".
func (c *Client) BreakerState(source string) string {
	if c.breakerFailures == 0 {
		return "disabled"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[source]; ok {
		return cb.State().String()
	}
	return gobreaker.StateClosed.String()
}
