// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Runs on modernc.org/sqlite by default with mattn/go-sqlite3 selectable

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/binance-mcp/internal/hashing"
)

// Driver names accepted by WithDriver
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type options struct {
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures NewSQLiteStore
type Option func(*options)

// WithDriver selects the database/sql driver (DriverModernc or DriverCGO)
func WithDriver(name string) Option {
	return func(o *options) {
		if name != "" {
			o.driver = name
		}
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the clock used for created_at and expiry checks
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Parent directories are created and the schema is applied.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := options{driver: DriverModernc, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.driver != DriverModernc && o.driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", o.driver)
	}
	logger := o.logger.With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each connection to :memory: is a separate database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    o.now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", o.driver)
	return s, nil
}

// createSchema creates the tables and indexes if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rest_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			payload TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ws_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			payload TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tool_outputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS payload_hashes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rest_cache_key ON rest_cache(key);
		CREATE INDEX IF NOT EXISTS idx_ws_cache_key ON ws_cache(key);
		CREATE INDEX IF NOT EXISTS idx_tool_outputs_lookup ON tool_outputs(tool, input_hash);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SetCache inserts a row into table. A zero ttl means DefaultTTL.
func (s *SQLiteStore) SetCache(ctx context.Context, table Table, key, payload string, ttl time.Duration) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	now := s.now()

	// table is one of two constants, checked above
	query := `INSERT INTO ` + string(table) + ` (key, payload, expires_at, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, key, payload, hashing.ComputeExpiry(now, effectiveTTL(ttl)), now.UnixMilli()); err != nil {
		return fmt.Errorf("inserting %s row: %w", table, err)
	}

	s.logger.Debug("cached payload", "table", table, "key", key)
	return nil
}

// GetCache returns the newest payload for key. An expired newest row is
// deleted and reported as ErrNotFound.
func (s *SQLiteStore) GetCache(ctx context.Context, table Table, key string) (string, error) {
	if !table.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	query := `SELECT id, key, payload, expires_at, created_at FROM ` + string(table) + `
		WHERE key = ? ORDER BY id DESC LIMIT 1`

	var row CacheRow
	err := s.db.QueryRowContext(ctx, query, key).Scan(&row.ID, &row.Key, &row.Payload, &row.ExpiresAt, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", table, err)
	}

	if hashing.IsExpired(row.ExpiresAt, s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+string(table)+` WHERE id = ?`, row.ID); err != nil {
			return "", fmt.Errorf("deleting expired %s row: %w", table, err)
		}
		s.logger.Debug("expired cache row removed", "table", table, "key", key, "id", row.ID)
		return "", ErrNotFound
	}

	return row.Payload, nil
}

// CacheRestResponse stores a REST payload
func (s *SQLiteStore) CacheRestResponse(ctx context.Context, key, payload string, ttl time.Duration) error {
	return s.SetCache(ctx, TableRestCache, key, payload, ttl)
}

// GetRestCache reads a REST payload
func (s *SQLiteStore) GetRestCache(ctx context.Context, key string) (string, error) {
	return s.GetCache(ctx, TableRestCache, key)
}

// CacheWSMessage stores a websocket payload
func (s *SQLiteStore) CacheWSMessage(ctx context.Context, key, payload string, ttl time.Duration) error {
	return s.SetCache(ctx, TableWSCache, key, payload, ttl)
}

// GetWSCache reads a websocket payload
func (s *SQLiteStore) GetWSCache(ctx context.Context, key string) (string, error) {
	return s.GetCache(ctx, TableWSCache, key)
}

// SetToolOutput memoises output for tool keyed by the hash of input. The
// input hash is also appended to payload_hashes.
func (s *SQLiteStore) SetToolOutput(ctx context.Context, tool, input, output string) error {
	inputHash := HashPayload(input)
	createdAt := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tool_outputs (tool, input_hash, output, created_at) VALUES (?, ?, ?, ?)`,
		tool, inputHash, output, createdAt,
	); err != nil {
		return fmt.Errorf("inserting tool output: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payload_hashes (hash, created_at) VALUES (?, ?)`,
		inputHash, createdAt,
	); err != nil {
		return fmt.Errorf("inserting payload hash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tool output: %w", err)
	}
	return nil
}

// GetToolOutput returns the newest memoised output for tool and input.
// Tool outputs never expire.
func (s *SQLiteStore) GetToolOutput(ctx context.Context, tool, input string) (string, error) {
	var output string
	err := s.db.QueryRowContext(ctx, `
		SELECT output FROM tool_outputs
		WHERE tool = ? AND input_hash = ?
		ORDER BY id DESC LIMIT 1`,
		tool, HashPayload(input),
	).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying tool output: %w", err)
	}
	return output, nil
}

// AppendPayloadHash records hash in the audit log
func (s *SQLiteStore) AppendPayloadHash(ctx context.Context, hash string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO payload_hashes (hash, created_at) VALUES (?, ?)`,
		hash, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting payload hash: %w", err)
	}
	return nil
}

// ListPayloadHashes returns up to limit hashes, newest first. limit <= 0
// returns all of them.
func (s *SQLiteStore) ListPayloadHashes(ctx context.Context, limit int) ([]PayloadHash, error) {
	query := `SELECT id, hash, created_at FROM payload_hashes ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying payload hashes: %w", err)
	}
	defer rows.Close()

	var hashes []PayloadHash
	for rows.Next() {
		var h PayloadHash
		if err := rows.Scan(&h.ID, &h.Hash, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning payload hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating payload hashes: %w", err)
	}
	return hashes, nil
}
