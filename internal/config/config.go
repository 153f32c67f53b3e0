// ABOUTME: Configuration loading and parsing for binance-mcp
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing, and env overrides

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/binance-mcp/internal/gap"
)

// MinJWTSecretLength mirrors the HS256 key length the verifier accepts.
const MinJWTSecretLength = 32

// Server modes.
const (
	ModeHTTP  = "http"
	ModeStdio = "stdio"
)

// Config represents the complete binance-mcp configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Sources  SourcesConfig  `yaml:"sources" toml:"sources"`
	Streams  StreamsConfig  `yaml:"streams" toml:"streams"`
	Gap      GapConfig      `yaml:"gap" toml:"gap"`
	Tools    ToolsConfig    `yaml:"tools" toml:"tools"`
}

// ServerConfig holds the listener and transport mode
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	Mode string `yaml:"mode" toml:"mode"` // http or stdio

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`
	RequireAuth bool   `yaml:"require_auth" toml:"require_auth"`
	// AccessTokens maps opaque URL tokens to principals for clients that
	// cannot send headers.
	AccessTokens   map[string]string `yaml:"access_tokens" toml:"access_tokens"`
	AllowedAPIKeys []string          `yaml:"allowed_api_keys" toml:"allowed_api_keys"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// CacheConfig tunes the outbound HTTP client and its response cache
type CacheConfig struct {
	Persistent      bool    `yaml:"persistent" toml:"persistent"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	BreakerFailures uint32  `yaml:"breaker_failures" toml:"breaker_failures"`

	DefaultTTL     time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	BreakerTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DefaultTTLRaw     string `yaml:"default_ttl" toml:"default_ttl"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	BreakerTimeoutRaw string `yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// SourcesConfig holds upstream endpoints and credentials
type SourcesConfig struct {
	BinanceAPIURL     string   `yaml:"binance_api_url" toml:"binance_api_url"`
	BinanceFuturesURL string   `yaml:"binance_futures_url" toml:"binance_futures_url"`
	DefiLlamaBaseURL  string   `yaml:"defillama_base_url" toml:"defillama_base_url"`
	GDELTEndpoint     string   `yaml:"gdelt_query_endpoint" toml:"gdelt_query_endpoint"`
	DuneAPIKey        string   `yaml:"dune_api_key" toml:"dune_api_key"`
	EVMRPCURL         string   `yaml:"evm_rpc_url" toml:"evm_rpc_url"` // tried first for balances
	RPCLatency        []string `yaml:"rpc_latency_endpoints" toml:"rpc_latency_endpoints"`
	RPCBalance        []string `yaml:"rpc_balance_endpoints" toml:"rpc_balance_endpoints"`
}

// StreamsConfig holds the websocket ingest configuration
type StreamsConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Symbols []string `yaml:"symbols" toml:"symbols"` // empty disables ingest

	CacheTTL    time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl" toml:"cache_ttl"`
}

// GapConfig holds gap detector defaults
type GapConfig struct {
	TimeBasis string `yaml:"time_basis" toml:"time_basis"`

	MaxGap    time.Duration `yaml:"-" toml:"-"`
	MaxGapRaw string        `yaml:"max_gap" toml:"max_gap"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout" toml:"call_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			Mode:               ModeHTTP,
			ShutdownTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			Path:   "./data/binance-mcp.db",
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Cache: CacheConfig{
			Persistent:        true,
			RateLimitRPS:      10,
			RateLimitBurst:    20,
			BreakerFailures:   5,
			DefaultTTLRaw:     "15s",
			RequestTimeoutRaw: "10s",
			BreakerTimeoutRaw: "30s",
		},
		Sources: SourcesConfig{
			BinanceAPIURL:     "https://api.binance.com",
			BinanceFuturesURL: "https://fapi.binance.com",
			DefiLlamaBaseURL:  "https://api.llama.fi",
			GDELTEndpoint:     "https://api.gdeltproject.org/api/v2/doc/doc",
			RPCLatency:        []string{"https://rpc.ankr.com/eth", "https://rpc.ankr.com/bsc"},
			RPCBalance:        []string{"https://rpc.ankr.com/eth", "https://cloudflare-eth.com"},
		},
		Streams: StreamsConfig{
			BaseURL:     "wss://stream.binance.com:9443/ws",
			CacheTTLRaw: "30s",
		},
		Gap: GapConfig{
			TimeBasis: string(gap.TimeBasisReceipt),
			MaxGapRaw: "5s",
		},
		Tools: ToolsConfig{
			CallTimeoutRaw: "60s",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML. Values in
// the file override Default(); environment variables override the file.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw content
		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv applies the well-known environment overrides.
func applyEnv(cfg *Config) error {
	strOverrides := map[string]*string{
		"SERVER_HOST":          &cfg.Server.Host,
		"SERVER_MODE":          &cfg.Server.Mode,
		"SQLITE_DB_PATH":       &cfg.Database.Path,
		"LOG_LEVEL":            &cfg.Logging.Level,
		"LOG_FORMAT":           &cfg.Logging.Format,
		"DUNE_API_KEY":         &cfg.Sources.DuneAPIKey,
		"EVM_RPC_URL":          &cfg.Sources.EVMRPCURL,
		"BINANCE_API_URL":      &cfg.Sources.BinanceAPIURL,
		"DEFI_LLAMA_BASE_URL":  &cfg.Sources.DefiLlamaBaseURL,
		"GDELT_QUERY_ENDPOINT": &cfg.Sources.GDELTEndpoint,
		"MCP_JWT_SECRET":       &cfg.Auth.JWTSecret,
	}
	for name, dst := range strOverrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeHTTP:
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
		}
	case ModeStdio:
	default:
		return fmt.Errorf("server.mode must be %q or %q, got %q", ModeHTTP, ModeStdio, c.Server.Mode)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" && len(c.Auth.AccessTokens) == 0 && len(c.Auth.AllowedAPIKeys) == 0 {
		return fmt.Errorf("auth.require_auth needs jwt_secret, access_tokens, or allowed_api_keys")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if c.Cache.RateLimitRPS < 0 {
		return fmt.Errorf("cache.rate_limit_rps must not be negative")
	}

	if _, err := gap.ParseTimeBasis(c.Gap.TimeBasis); err != nil {
		return fmt.Errorf("gap.time_basis: %w", err)
	}

	if len(c.Streams.Symbols) > 0 && c.Streams.BaseURL == "" {
		return fmt.Errorf("streams.base_url is required when streams.symbols is set")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"cache.default_ttl", cfg.Cache.DefaultTTLRaw, &cfg.Cache.DefaultTTL},
		{"cache.request_timeout", cfg.Cache.RequestTimeoutRaw, &cfg.Cache.RequestTimeout},
		{"cache.breaker_timeout", cfg.Cache.BreakerTimeoutRaw, &cfg.Cache.BreakerTimeout},
		{"streams.cache_ttl", cfg.Streams.CacheTTLRaw, &cfg.Streams.CacheTTL},
		{"gap.max_gap", cfg.Gap.MaxGapRaw, &cfg.Gap.MaxGap},
		{"tools.call_timeout", cfg.Tools.CallTimeoutRaw, &cfg.Tools.CallTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
