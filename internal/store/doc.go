// Package store persists cached upstream payloads and tool outputs in SQLite.
//
// # Tables
//
//   - rest_cache: REST payloads keyed by cache key, with expires_at
//   - ws_cache: websocket payloads keyed by stream key, with expires_at
//   - tool_outputs: memoised tool results keyed by (tool, sha256(input))
//   - payload_hashes: append-only log of audit and input hashes
//
// All timestamps are unix milliseconds.
//
// # Read and Write Rules
//
// Writes only insert. A read selects the newest row (highest id) for the key
// and compares expires_at with the clock; an expired row is deleted at that
// moment and the read returns ErrNotFound. Nothing sweeps expired rows in the
// background.
//
// # SQLite Configuration
//
// The store opens the database with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// The pure Go driver (modernc.org/sqlite, driver name "sqlite") is the
// default. WithDriver(DriverCGO) switches to github.com/mattn/go-sqlite3.
// A single writer process is assumed.
//
// # Testing
//
// Use NewMockStore() for unit tests that don't need SQLite, or
// NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration tests.
package store
