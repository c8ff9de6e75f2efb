// Package store provides session storage backends for the support bot.
//
// This file implements a PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/intynet/neti/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps sessions, dedup records and the outbox in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ SessionStore        = (*PostgresStore)(nil)
	_ PersistenceProvider = (*PostgresStore)(nil)
	_ Purger              = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: time.Now}, nil
}

// GetSession loads the session for customerID, ignoring expired rows.
func (s *PostgresStore) GetSession(ctx context.Context, customerID string) (*models.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE customer_id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		customerID, s.now(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetSession: not found", "customerID", customerID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("get session %s: %w", customerID, err)
	}
	return decodeSession(customerID, data)
}

// PutSession upserts the session with an optional TTL.
func (s *PostgresStore) PutSession(ctx context.Context, session models.Session, ttl time.Duration) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (customer_id, state, data, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (customer_id) DO UPDATE SET
		   state = EXCLUDED.state, data = EXCLUDED.data,
		   expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		session.CustomerID, string(session.State), string(data), expiryFor(now, ttl),
		session.CreatedAt, now,
	)
	if err != nil {
		slog.Error("PostgresStore.PutSession failed", "error", err, "customerID", session.CustomerID)
		return fmt.Errorf("put session %s: %w", session.CustomerID, err)
	}
	slog.Debug("PostgresStore.PutSession succeeded", "customerID", session.CustomerID, "state", session.State)
	return nil
}

// DeleteSession removes the session; deleting a missing session is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, customerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE customer_id = $1`, customerID); err != nil {
		slog.Error("PostgresStore.DeleteSession failed", "error", err, "customerID", customerID)
		return fmt.Errorf("delete session %s: %w", customerID, err)
	}
	return nil
}

// ListSessions returns all unexpired sessions ordered by last update.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, data FROM sessions
		 WHERE expires_at IS NULL OR expires_at > $1
		 ORDER BY updated_at DESC`, s.now())
	if err != nil {
		slog.Error("PostgresStore.ListSessions query failed", "error", err)
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// PurgeExpiredSessions deletes sessions whose TTL elapsed before now.
func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DedupRepo returns the store itself as the dedup repository.
func (s *PostgresStore) DedupRepo() DedupRepo { return s }

// OutboxRepo returns the store itself as the outbox repository.
func (s *PostgresStore) OutboxRepo() OutboxRepo { return s }

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
