// Package database is the SQLite adapter each agent runtime owns. An
// adapter is created cheaply with New and becomes usable only after Init
// has opened the connection and migrated the schema. Several adapters
// may share one database file; rows are scoped by agent id.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// DefaultFile is the database file name inside the data directory.
const DefaultFile = "troupe.db"

// ErrNotInitialized is returned by queries made before Init.
var ErrNotInitialized = errors.New("database not initialized")

// Config locates the database.
type Config struct {
	Dir    string
	File   string
	Driver string
}

// DB is one agent's handle on the shared database file.
type DB struct {
	path   string
	driver string
	logger *slog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// New prepares an adapter. No connection is opened until Init.
func New(cfg Config, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.File == "" {
		cfg.File = DefaultFile
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverCGO
	}
	path := cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Dir, path)
	}
	return &DB{path: path, driver: cfg.Driver, logger: logger}
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverCGO:
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPureGo:
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Init opens the connection, verifies it and migrates the schema. It
// returns only once the database is ready. Calling Init again is a
// no-op.
func (d *DB) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return nil
	}

	source, err := dsn(d.driver, d.path)
	if err != nil {
		return err
	}
	db, err := sql.Open(d.driver, source)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connect %s: %w", d.path, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	d.db = db
	d.logger.Debug("database ready", "path", d.path, "driver", d.driver)
	return nil
}

// Close releases the connection. Safe on an adapter that never
// initialized.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DB) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrNotInitialized
	}
	return d.db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		username   TEXT NOT NULL,
		character  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		room_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_room
		ON memories (agent_id, room_id, created_at);

	CREATE TABLE IF NOT EXISTS cache (
		agent_id   TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		expires_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, key)
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}
