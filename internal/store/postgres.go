package store

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Pool sizing for PostgresStore. Each inbound message holds a connection only for
// a get and a save, so a small pool serves many concurrent conversations.
const (
	postgresMaxOpenConns    = 16
	postgresMaxIdleConns    = 8
	postgresConnMaxLifetime = 5 * time.Minute
)

// postgresClaimLock serialises outbox claims across processes for the rest of the transaction.
const postgresClaimLock = `SELECT pg_advisory_xact_lock(7345100)`

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore serves deployments where several LeadPipe processes share one
// database, e.g. serve replicas next to an outreach run.
type PostgresStore struct {
	sqlStore
}

var _ ConversationStore = (*PostgresStore)(nil)

// NewPostgresStore connects with the DSN (URL or key=value form) and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres: database DSN not set")
	}

	db, err := openAndMigrate("postgres", cfg.DSN, postgresMigrations)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	db.SetMaxOpenConns(postgresMaxOpenConns)
	db.SetMaxIdleConns(postgresMaxIdleConns)
	db.SetConnMaxLifetime(postgresConnMaxLifetime)

	slog.Debug("NewPostgresStore: ready")
	return &PostgresStore{sqlStore{db: db, name: "PostgresStore", dollar: true, claimLock: postgresClaimLock}}, nil
}

func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("PostgresStore.Close failed", "error", err)
		return err
	}
	return nil
}
