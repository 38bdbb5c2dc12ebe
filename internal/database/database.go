package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// DB is the SQLite-backed durable store for pending operations.
type DB struct {
	*sql.DB
	driver string
	path   string
	logger *zerolog.Logger
}

// NewDB opens (creating if needed) the queue database at path using the given
// driver and initialises the schema on first use.
func NewDB(driver, path string, logger *zerolog.Logger) (*DB, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("driver", driver).Str("path", path).Msg("queue database initialized")
	return &DB{DB: sqlDB, driver: driver, path: path, logger: logger}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pending_operations (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            resource TEXT NOT NULL,
            payload TEXT NOT NULL,
            enqueued_at INTEGER NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE INDEX IF NOT EXISTS idx_pending_operations_enqueued_at ON pending_operations(enqueued_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}
