// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps every table in memory with the same newest-row and lazy-expiry rules

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/binance-mcp/internal/hashing"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.Mutex
	nextID  int64
	caches  map[Table][]CacheRow
	outputs []ToolOutput
	hashes  []PayloadHash
	now     func() time.Time
}

// NewMockStore creates a new MockStore using the wall clock.
func NewMockStore() *MockStore {
	return NewMockStoreWithClock(time.Now)
}

// NewMockStoreWithClock creates a MockStore that reads time from now.
func NewMockStoreWithClock(now func() time.Time) *MockStore {
	return &MockStore{
		caches: make(map[Table][]CacheRow),
		now:    now,
	}
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

// SetCache appends a cache row.
func (m *MockStore) SetCache(ctx context.Context, table Table, key, payload string, ttl time.Duration) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.caches[table] = append(m.caches[table], CacheRow{
		ID:        m.id(),
		Key:       key,
		Payload:   payload,
		ExpiresAt: hashing.ComputeExpiry(now, effectiveTTL(ttl)),
		CreatedAt: now.UnixMilli(),
	})
	return nil
}

// GetCache returns the newest row for key, deleting it when expired.
func (m *MockStore) GetCache(ctx context.Context, table Table, key string) (string, error) {
	if !table.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.caches[table]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Key != key {
			continue
		}
		if hashing.IsExpired(rows[i].ExpiresAt, m.now()) {
			m.caches[table] = append(rows[:i:i], rows[i+1:]...)
			return "", ErrNotFound
		}
		return rows[i].Payload, nil
	}
	return "", ErrNotFound
}

// Rows returns a copy of the rows in table. Test helper.
func (m *MockStore) Rows(table Table) []CacheRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CacheRow, len(m.caches[table]))
	copy(out, m.caches[table])
	return out
}

// CacheRestResponse stores a REST payload.
func (m *MockStore) CacheRestResponse(ctx context.Context, key, payload string, ttl time.Duration) error {
	return m.SetCache(ctx, TableRestCache, key, payload, ttl)
}

// GetRestCache reads a REST payload.
func (m *MockStore) GetRestCache(ctx context.Context, key string) (string, error) {
	return m.GetCache(ctx, TableRestCache, key)
}

// CacheWSMessage stores a websocket payload.
func (m *MockStore) CacheWSMessage(ctx context.Context, key, payload string, ttl time.Duration) error {
	return m.SetCache(ctx, TableWSCache, key, payload, ttl)
}

// GetWSCache reads a websocket payload.
func (m *MockStore) GetWSCache(ctx context.Context, key string) (string, error) {
	return m.GetCache(ctx, TableWSCache, key)
}

// SetToolOutput memoises a tool output and logs the input hash.
func (m *MockStore) SetToolOutput(ctx context.Context, tool, input, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inputHash := HashPayload(input)
	createdAt := m.now().UnixMilli()
	m.outputs = append(m.outputs, ToolOutput{ID: m.id(), Tool: tool, InputHash: inputHash, Output: output, CreatedAt: createdAt})
	m.hashes = append(m.hashes, PayloadHash{ID: m.id(), Hash: inputHash, CreatedAt: createdAt})
	return nil
}

// GetToolOutput returns the newest memoised output.
func (m *MockStore) GetToolOutput(ctx context.Context, tool, input string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inputHash := HashPayload(input)
	for i := len(m.outputs) - 1; i >= 0; i-- {
		if m.outputs[i].Tool == tool && m.outputs[i].InputHash == inputHash {
			return m.outputs[i].Output, nil
		}
	}
	return "", ErrNotFound
}

// AppendPayloadHash records hash.
func (m *MockStore) AppendPayloadHash(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes = append(m.hashes, PayloadHash{ID: m.id(), Hash: hash, CreatedAt: m.now().UnixMilli()})
	return nil
}

// ListPayloadHashes returns hashes newest first.
func (m *MockStore) ListPayloadHashes(ctx context.Context, limit int) ([]PayloadHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PayloadHash
	for i := len(m.hashes) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.hashes[i])
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
