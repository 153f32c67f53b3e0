// ABOUTME: Store interface and row types for the observability cache
// ABOUTME: Covers the REST and websocket caches, memoised tool outputs, and the payload hash log

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/binance-mcp/internal/hashing"
)

// ErrNotFound is returned when a key has no row or its newest row has expired
var ErrNotFound = errors.New("not found")

// ErrUnknownTable is returned when a cache operation names a table other than
// rest_cache or ws_cache
var ErrUnknownTable = errors.New("unknown cache table")

// DefaultTTL applies when a cache write passes a zero TTL
const DefaultTTL = 5 * time.Minute

// Table names a keyed cache table
type Table string

const (
	TableRestCache Table = "rest_cache"
	TableWSCache   Table = "ws_cache"
)

// Valid reports whether t is one of the keyed cache tables
func (t Table) Valid() bool {
	return t == TableRestCache || t == TableWSCache
}

// CacheRow is one insert into rest_cache or ws_cache. Times are unix milliseconds.
type CacheRow struct {
	ID        int64
	Key       string
	Payload   string
	ExpiresAt int64
	CreatedAt int64
}

// ToolOutput is one memoised tool result
type ToolOutput struct {
	ID        int64
	Tool      string
	InputHash string
	Output    string
	CreatedAt int64
}

// PayloadHash is one entry in the append-only audit hash log
type PayloadHash struct {
	ID        int64
	Hash      string
	CreatedAt int64
}

// Store is the persistence contract. Writes only ever insert; reads return the
// newest row for a key and lazily delete it when it has expired.
type Store interface {
	SetCache(ctx context.Context, table Table, key, payload string, ttl time.Duration) error
	GetCache(ctx context.Context, table Table, key string) (string, error)

	CacheRestResponse(ctx context.Context, key, payload string, ttl time.Duration) error
	GetRestCache(ctx context.Context, key string) (string, error)
	CacheWSMessage(ctx context.Context, key, payload string, ttl time.Duration) error
	GetWSCache(ctx context.Context, key string) (string, error)

	SetToolOutput(ctx context.Context, tool, input, output string) error
	GetToolOutput(ctx context.Context, tool, input string) (string, error)

	AppendPayloadHash(ctx context.Context, hash string) error
	ListPayloadHashes(ctx context.Context, limit int) ([]PayloadHash, error)

	Close() error
}

// HashPayload returns the hex sha256 of payload. Tool inputs are keyed by it.
func HashPayload(payload string) string {
	return hashing.SHA256(payload)
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
