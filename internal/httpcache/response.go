// ABOUTME: CachedResponse envelope and the response cache implementations
// ABOUTME: MemoryCache lives for the process; PersistentCache stores envelopes in rest_cache

package httpcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/binance-mcp/internal/store"
)

// ErrUnavailable is returned by Decode when the response carries no value.
var ErrUnavailable = errors.New("response value unavailable")

// CachedResponse is the result of a fetch, fresh or cached. A nil Value
// always comes with at least one quality flag explaining why.
type CachedResponse struct {
	Value        json.RawMessage `json:"value"`
	TsMs         int64           `json:"ts_ms"`
	TTLMs        int64           `json:"ttl_ms"`
	Hash         string          `json:"hash,omitempty"`
	QualityFlags []string        `json:"quality_flags"`
	Source       string          `json:"source"`

	// Hit is set when the response was served from cache. Not persisted.
	Hit bool `json:"-"`
}

// Available reports whether the response carries a value.
func (r CachedResponse) Available() bool {
	return len(r.Value) > 0 && string(r.Value) != "null"
}

// Decode unmarshals the value into v.
func (r CachedResponse) Decode(v any) error {
	if !r.Available() {
		return ErrUnavailable
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("decoding %s response: %w", r.Source, err)
	}
	return nil
}

// Fresh reports whether the response is still within its TTL at nowMs.
func (r CachedResponse) Fresh(nowMs int64) bool {
	return r.TsMs+r.TTLMs > nowMs
}

// ResponseCache stores responses by cache key. Writes are last-writer-wins.
type ResponseCache interface {
	Get(ctx context.Context, key string) (CachedResponse, bool)
	Set(ctx context.Context, key string, resp CachedResponse)
}

// MemoryCache is a process-lifetime map. Entries are overwritten, never evicted.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CachedResponse)}
}

// Get implements ResponseCache.
func (c *MemoryCache) Get(_ context.Context, key string) (CachedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	return resp, ok
}

// Set implements ResponseCache.
func (c *MemoryCache) Set(_ context.Context, key string, resp CachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp
}

// Len returns the number of cached keys.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RestCacheStore is the slice of store.Store that PersistentCache needs.
type RestCacheStore interface {
	CacheRestResponse(ctx context.Context, key, payload string, ttl time.Duration) error
	GetRestCache(ctx context.Context, key string) (string, error)
}

// PersistentCache keeps envelopes in the rest_cache table so they survive a
// restart. Store errors degrade to cache misses.
type PersistentCache struct {
	store  RestCacheStore
	logger *slog.Logger
}

// NewPersistentCache wraps s. logger may be nil.
func NewPersistentCache(s RestCacheStore, logger *slog.Logger) *PersistentCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentCache{store: s, logger: logger.With("component", "httpcache")}
}

// Get implements ResponseCache.
func (c *PersistentCache) Get(ctx context.Context, key string) (CachedResponse, bool) {
	payload, err := c.store.GetRestCache(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("persistent cache read failed", "key", key, "error", err)
		}
		return CachedResponse{}, false
	}

	var resp CachedResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		c.logger.Warn("discarding malformed cache row", "key", key, "error", err)
		return CachedResponse{}, false
	}
	if resp.QualityFlags == nil {
		resp.QualityFlags = []string{}
	}
	return resp, true
}

// Set implements ResponseCache. The row expires with the envelope's TTL.
func (c *PersistentCache) Set(ctx context.Context, key string, resp CachedResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("encoding cache row failed", "key", key, "error", err)
		return
	}
	ttl := time.Duration(resp.TTLMs) * time.Millisecond
	if ttl <= 0 {
		return
	}
	if err := c.store.CacheRestResponse(ctx, key, string(payload), ttl); err != nil {
		c.logger.Warn("persistent cache write failed", "key", key, "error", err)
	}
}

// TieredCache reads the memory layer first and falls back to the persistent
// layer, promoting hits. Writes go to both.
type TieredCache struct {
	Memory     *MemoryCache
	Persistent *PersistentCache
}

// Get implements ResponseCache.
func (c TieredCache) Get(ctx context.Context, key string) (CachedResponse, bool) {
	if resp, ok := c.Memory.Get(ctx, key); ok {
		return resp, true
	}
	resp, ok := c.Persistent.Get(ctx, key)
	if ok {
		c.Memory.Set(ctx, key, resp)
	}
	return resp, ok
}

// Set implements ResponseCache.
func (c TieredCache) Set(ctx context.Context, key string, resp CachedResponse) {
	c.Memory.Set(ctx, key, resp)
	c.Persistent.Set(ctx, key, resp)
}
