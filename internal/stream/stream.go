// ABOUTME: Binance aggTrade websocket ingestor feeding gap detectors and the ws_cache table
// ABOUTME: One connection per symbol, reconnecting with capped exponential backoff until the context ends

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/binance-mcp/internal/dedupe"
	"github.com/2389/binance-mcp/internal/gap"
)

// Defaults for Config.
const (
	DefaultBaseURL    = "wss://stream.binance.com:9443/ws"
	DefaultCacheTTL   = 30 * time.Second
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
	DefaultDedupeTTL  = 5 * time.Minute

	handshakeTimeout = 10 * time.Second
)

var (
	// ErrMalformedFrame is returned for frames that are not aggTrade events.
	ErrMalformedFrame = errors.New("malformed aggTrade frame")
	// ErrDuplicateFrame is returned for an aggregate trade ID already ingested.
	ErrDuplicateFrame = errors.New("duplicate aggTrade frame")
)

// MessageCache stores raw frames. store.Store satisfies it.
type MessageCache interface {
	CacheWSMessage(ctx context.Context, key, payload string, ttl time.Duration) error
}

// Recorder counts frames. *metrics.Metrics satisfies it.
type Recorder interface {
	StreamFrame(stream string)
}

// Config configures an Ingestor. Symbols and Gaps are required.
type Config struct {
	BaseURL    string
	Symbols    []string
	Gaps       *gap.Registry
	Cache      MessageCache // optional
	CacheTTL   time.Duration
	Recorder   Recorder // optional
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	DedupeTTL  time.Duration // how long trade IDs are remembered across reconnects
	Logger     *slog.Logger
}

// AggTrade is the subset of a Binance aggTrade event the ingestor reads.
type AggTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	ID        *int64 `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// Ingestor streams aggTrade events for a fixed set of symbols.
type Ingestor struct {
	cfg    Config
	logger *slog.Logger
	seen   *dedupe.Window

	mu          sync.Mutex
	connections map[string]int
}

// NewIngestor validates cfg and fills defaults.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("stream: no symbols configured")
	}
	if cfg.Gaps == nil {
		return nil, errors.New("stream: gap registry is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = handshakeTimeout
		cfg.Dialer = &d
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		cfg:         cfg,
		logger:      logger.With("component", "stream"),
		seen:        dedupe.NewWindow(cfg.DedupeTTL, dedupe.DefaultSize),
		connections: make(map[string]int),
	}, nil
}

// Label returns the gap detector label for symbol.
func Label(symbol string) string {
	return gap.StreamLabelPrefix + strings.ToLower(symbol)
}

// CacheKey returns the ws_cache key for symbol.
func CacheKey(symbol string) string {
	return "aggTrade:" + strings.ToUpper(symbol)
}

// StreamURL returns the aggTrade stream URL for symbol under base.
func StreamURL(base, symbol string) string {
	return strings.TrimRight(base, "/") + "/" + strings.ToLower(symbol) + "@aggTrade"
}

// Connections reports how many times symbol's stream has connected.
func (in *Ingestor) Connections(symbol string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.connections[strings.ToUpper(symbol)]
}

// Run streams every symbol until ctx is cancelled. It returns nil on
// cancellation.
func (in *Ingestor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, symbol := range in.cfg.Symbols {
		symbol := strings.ToUpper(symbol)
		g.Go(func() error {
			in.follow(ctx, symbol)
			return nil
		})
	}
	return g.Wait()
}

// follow keeps one symbol's stream connected.
func (in *Ingestor) follow(ctx context.Context, symbol string) {
	backoff := in.cfg.MinBackoff
	logger := in.logger.With("symbol", symbol)

	for {
		connected, err := in.session(ctx, symbol)
		if ctx.Err() != nil {
			logger.Info("stream stopped")
			return
		}
		if connected {
			backoff = in.cfg.MinBackoff
		}
		logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > in.cfg.MaxBackoff {
			backoff = in.cfg.MaxBackoff
		}
	}
}

// session dials once and reads until the connection fails.
func (in *Ingestor) session(ctx context.Context, symbol string) (bool, error) {
	target := StreamURL(in.cfg.BaseURL, symbol)
	conn, _, err := in.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.Close()

	in.mu.Lock()
	in.connections[symbol]++
	in.mu.Unlock()
	in.logger.Info("stream connected", "symbol", symbol, "url", target)

	// ReadMessage does not watch ctx, so closing the conn unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading %s: %w", target, err)
		}
		_, err = in.HandleMessage(ctx, symbol, data)
		switch {
		case errors.Is(err, ErrDuplicateFrame):
			in.logger.Debug("dropping redelivered frame", "symbol", symbol)
		case err != nil:
			in.logger.Warn("skipping frame", "symbol", symbol, "error", err)
		}
	}
}

// HandleMessage ingests one raw aggTrade frame for symbol. A trade ID seen
// within DedupeTTL returns ErrDuplicateFrame without touching the detector,
// which would otherwise report the repeat as a sequence gap.
func (in *Ingestor) HandleMessage(ctx context.Context, symbol string, data []byte) (gap.Event, error) {
	var trade AggTrade
	if err := json.Unmarshal(data, &trade); err != nil {
		return gap.Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if trade.ID == nil || trade.EventTime == 0 {
		return gap.Event{}, fmt.Errorf("%w: missing a or E", ErrMalformedFrame)
	}

	if in.seen.Seen(fmt.Sprintf("%s:%d", strings.ToUpper(symbol), *trade.ID)) {
		return gap.Event{}, ErrDuplicateFrame
	}

	label := Label(symbol)
	ev := in.cfg.Gaps.Get(label).Ingest(gap.Message{
		Seq:     *trade.ID,
		TsMs:    trade.EventTime,
		Payload: json.RawMessage(data),
	})

	if in.cfg.Recorder != nil {
		in.cfg.Recorder.StreamFrame(label)
	}
	if in.cfg.Cache != nil {
		if err := in.cfg.Cache.CacheWSMessage(ctx, CacheKey(symbol), string(data), in.cfg.CacheTTL); err != nil {
			in.logger.Warn("caching frame failed", "symbol", symbol, "error", err)
		}
	}
	return ev, nil
}
