package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used for the database and audit directories.
const DefaultDirPermissions = 0o755

// sqlitePragmas are appended to plain file paths. WAL lets the stats command read
// while serve writes; busy_timeout waits on the write lock instead of failing.
const sqlitePragmas = "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default store: conversations, the delivery ledger and the
// outbox in one file under the state directory.
type SQLiteStore struct {
	sqlStore
}

var _ ConversationStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at the DSN, which is a
// file path, a file: URI or ":memory:", and applies the schema.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlite: database DSN not set")
	}

	dsn := cfg.DSN
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory %s: %w", dir, err)
		}
		dsn = "file:" + dsn + sqlitePragmas
	}

	db, err := openAndMigrate("sqlite3", dsn, sqliteMigrations)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions from tripping over each other.
	db.SetMaxOpenConns(1)

	slog.Debug("NewSQLiteStore: ready", "path", cfg.DSN)
	return &SQLiteStore{sqlStore{db: db, name: "SQLiteStore"}}, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("SQLiteStore.Close failed", "error", err)
		return err
	}
	return nil
}

// openAndMigrate opens a pool, checks connectivity and applies an idempotent schema script.
func openAndMigrate(driver, dsn, migrations string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
