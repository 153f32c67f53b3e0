// ABOUTME: Gateway orchestrator that wires the store, caches, tools, and MCP transports
// ABOUTME: Manages the HTTP server, websocket ingest, and stdio serving lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/2389/binance-mcp/internal/auth"
	"github.com/2389/binance-mcp/internal/config"
	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/gap"
	"github.com/2389/binance-mcp/internal/httpcache"
	"github.com/2389/binance-mcp/internal/mcp"
	"github.com/2389/binance-mcp/internal/metrics"
	"github.com/2389/binance-mcp/internal/observation"
	"github.com/2389/binance-mcp/internal/store"
	"github.com/2389/binance-mcp/internal/stream"
	"github.com/2389/binance-mcp/internal/tools"
)

// Upstream sources that carry a circuit breaker, reported on /health.
var breakerSources = []string{"binance_rest", "binance_futures", "defillama", "gdelt", "dune", "rpc"}

// Gateway orchestrates the binance-mcp server components.
type Gateway struct {
	config     *config.Config
	version    string
	store      store.Store
	metrics    *metrics.Metrics
	bus        *events.Bus
	client     *httpcache.Client
	gaps       *gap.Registry
	registry   *tools.Registry
	mcpServer  *mcp.Server
	mcpTokens  *mcp.TokenStore
	ingestor   *stream.Ingestor // nil when no symbols are configured
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	closeOnce sync.Once
	closeErr  error
}

// Option customises New.
type Option func(*Gateway)

// WithVersion sets the version reported by initialize and /health.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithStore replaces the SQLite store. Tests use store.NewMockStore.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// initStore creates and returns a store based on config.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Database.Path
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	s, err := store.NewSQLiteStore(dbPath,
		store.WithDriver(cfg.Database.Driver),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildVerifier chains the configured bearer token verifiers. It returns nil
// when none are configured.
func buildVerifier(cfg config.AuthConfig) (auth.TokenVerifier, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		chain = append(chain, jwtVerifier)
	}
	if len(cfg.AllowedAPIKeys) > 0 {
		chain = append(chain, auth.NewCredentialVerifier(cfg.AllowedAPIKeys...))
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// buildEndpoints maps the sources config onto tool endpoints. evm_rpc_url is
// tried before the default balance endpoints.
func buildEndpoints(cfg config.SourcesConfig) tools.Endpoints {
	endpoints := tools.DefaultEndpoints()
	if cfg.BinanceAPIURL != "" {
		endpoints.BinanceSpot = cfg.BinanceAPIURL
	}
	if cfg.BinanceFuturesURL != "" {
		endpoints.BinanceFutures = cfg.BinanceFuturesURL
	}
	if cfg.DefiLlamaBaseURL != "" {
		endpoints.DefiLlama = cfg.DefiLlamaBaseURL
	}
	if cfg.GDELTEndpoint != "" {
		endpoints.GDELT = cfg.GDELTEndpoint
	}
	if len(cfg.RPCLatency) > 0 {
		endpoints.RPCLatency = cfg.RPCLatency
	}
	if len(cfg.RPCBalance) > 0 {
		endpoints.RPCBalance = cfg.RPCBalance
	}
	if cfg.EVMRPCURL != "" && !slices.Contains(endpoints.RPCBalance, cfg.EVMRPCURL) {
		endpoints.RPCBalance = append([]string{cfg.EVMRPCURL}, endpoints.RPCBalance...)
	}
	endpoints.DuneAPIKey = cfg.DuneAPIKey
	return endpoints
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &Gateway{
		config:   cfg,
		version:  "dev",
		logger:   logger,
		serverID: generateServerID(),
	}
	for _, opt := range opts {
		opt(gw)
	}

	if gw.store == nil {
		s, err := initStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		gw.store = s
	}

	gw.metrics = metrics.New()
	gw.bus = events.NewBus(logger)

	gw.gaps = gap.NewRegistry(gap.Config{
		MaxGap:    cfg.Gap.MaxGap,
		TimeBasis: gap.TimeBasis(cfg.Gap.TimeBasis),
		Logger:    logger,
	})
	gw.gaps.OnGap(func(ev gap.Event) {
		gw.metrics.GapDetected(ev.Label)
		gw.bus.Publish(events.New(events.TypeGap, ev))
	})

	memory := httpcache.NewMemoryCache()
	var cache httpcache.ResponseCache = memory
	if cfg.Cache.Persistent {
		cache = httpcache.TieredCache{
			Memory:     memory,
			Persistent: httpcache.NewPersistentCache(gw.store, logger),
		}
	}
	gw.client = httpcache.NewClient(httpcache.ClientConfig{
		Cache:           cache,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		RequestTimeout:  cfg.Cache.RequestTimeout,
		RateLimitRPS:    cfg.Cache.RateLimitRPS,
		RateLimitBurst:  cfg.Cache.RateLimitBurst,
		BreakerFailures: cfg.Cache.BreakerFailures,
		BreakerTimeout:  cfg.Cache.BreakerTimeout,
		OnBreakerStateChange: func(source, from, to string) {
			gw.bus.Publish(events.New(events.TypeHealth, map[string]any{
				"source":  source,
				"breaker": to,
				"from":    from,
			}))
		},
		Recorder: gw.metrics,
		Logger:   logger,
	})

	builder := observation.NewBuilder(observation.BuilderConfig{
		Sink: observation.MultiSink{
			observation.SlogSink{Logger: logger.With("component", "audit")},
			observation.StoreSink{Store: gw.store},
		},
		Logger: logger,
	})

	gw.registry = tools.NewRegistry(tools.RegistryConfig{
		Store:       gw.store,
		Recorder:    gw.metrics,
		Events:      gw.bus,
		CallTimeout: cfg.Tools.CallTimeout,
		Logger:      logger,
	})
	gw.registry.Register(tools.ObservabilityPack(&tools.Deps{
		Fetcher:   gw.client,
		Builder:   builder,
		Gaps:      gw.gaps,
		Events:    gw.bus,
		Endpoints: buildEndpoints(cfg.Sources),
		Logger:    logger,
	})...)

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		_ = gw.store.Close()
		return nil, err
	}
	gw.mcpTokens = mcp.NewTokenStore()
	for token, principal := range cfg.Auth.AccessTokens {
		gw.mcpTokens.Add(token, principal)
	}

	gw.mcpServer, err = mcp.NewServer(mcp.Config{
		Registry:      gw.registry,
		Events:        gw.bus,
		Health:        gw.healthDetails,
		Logger:        logger,
		TokenVerifier: verifier,
		TokenStore:    gw.mcpTokens,
		RequireAuth:   cfg.Auth.RequireAuth,
		Name:          "binance-mcp",
		Version:       gw.version,
	})
	if err != nil {
		_ = gw.store.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	if verifier == nil && !cfg.Auth.RequireAuth {
		logger.Warn("auth disabled - no jwt_secret or allowed_api_keys configured")
	}

	if len(cfg.Streams.Symbols) > 0 {
		gw.ingestor, err = stream.NewIngestor(stream.Config{
			BaseURL:  cfg.Streams.BaseURL,
			Symbols:  cfg.Streams.Symbols,
			Gaps:     gw.gaps,
			Cache:    gw.store,
			CacheTTL: cfg.Streams.CacheTTL,
			Recorder: gw.metrics,
			Logger:   logger,
		})
		if err != nil {
			_ = gw.store.Close()
			return nil, fmt.Errorf("creating stream ingestor: %w", err)
		}
	}

	mux := http.NewServeMux()
	gw.mcpServer.RegisterRoutes(mux)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		var metricsHandler http.Handler = gw.metrics.Handler()
		if cfg.Auth.RequireAuth && verifier != nil {
			metricsHandler = auth.HTTPAuthMiddleware(verifier, logger)(metricsHandler)
		}
		mux.Handle("GET "+cfg.Metrics.Path, metricsHandler)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry returns the tool registry.
func (g *Gateway) Registry() *tools.Registry {
	return g.registry
}

// Store returns the backing store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Events returns the event bus.
func (g *Gateway) Events() *events.Bus {
	return g.bus
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startIngest runs the websocket ingestor until ctx ends. Errors other than
// cancellation are sent on errCh.
func (g *Gateway) startIngest(ctx context.Context, errCh chan<- error) {
	if g.ingestor == nil {
		return
	}
	go func() {
		g.logger.Info("stream ingest started", "symbols", g.config.Streams.Symbols)
		if err := g.ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("stream ingest: %w", err)
		}
	}()
}

// Run starts the HTTP server and stream ingest and blocks until the context
// is canceled. Returns nil on graceful shutdown, or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	g.startIngest(ctx, errCh)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// ServeStdio serves MCP over in and out until in closes or ctx ends. Stream
// ingest runs alongside; the HTTP server is not started.
func (g *Gateway) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	g.startIngest(ctx, errCh)
	go func() {
		select {
		case err := <-errCh:
			g.logger.Error("stream ingest failed", "error", err)
		case <-ctx.Done():
		}
	}()

	serveErr := g.mcpServer.ServeStdio(ctx, in, out)
	cancel()

	if err := g.closeComponents(); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases the bus and store once.
func (g *Gateway) closeComponents() error {
	g.closeOnce.Do(func() {
		g.bus.Close()
		if err := g.store.Close(); err != nil {
			g.closeErr = fmt.Errorf("store close: %w", err)
		}
	})
	return g.closeErr
}

// Shutdown stops the HTTP server and releases the bus and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "components", g.closeComponents())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// healthDetails is merged into /health and the initial /mcp/events event.
func (g *Gateway) healthDetails() map[string]any {
	// Per-endpoint RPC breakers appear once they have been used.
	breakers := g.client.BreakerStates()
	for _, source := range breakerSources {
		if _, ok := breakers[source]; !ok {
			breakers[source] = g.client.BreakerState(source)
		}
	}

	details := map[string]any{
		"server_id":   g.serverID,
		"breakers":    breakers,
		"gap_streams": g.gaps.Labels(),
		"subscribers": g.bus.Subscribers(),
	}
	if g.ingestor != nil {
		conns := make(map[string]int, len(g.config.Streams.Symbols))
		for _, sym := range g.config.Streams.Symbols {
			conns[stream.Label(sym)] = g.ingestor.Connections(sym)
		}
		details["stream_connections"] = conns
	}
	return details
}

// handleReady returns 200 OK when the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListPayloadHashes(r.Context(), 1); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("binance-mcp-%d", time.Now().UnixNano()%1000000)
}
