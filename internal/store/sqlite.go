// Package store provides session storage backends for the support bot.
//
// This file implements an SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/intynet/neti/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps sessions, dedup records and the outbox in one SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ SessionStore        = (*SQLiteStore)(nil)
	_ PersistenceProvider = (*SQLiteStore)(nil)
	_ Purger              = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialising through one connection
	// avoids "database is locked" under concurrent customers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// GetSession loads the session for customerID. Expired rows are removed lazily.
func (s *SQLiteStore) GetSession(ctx context.Context, customerID string) (*models.Session, error) {
	var data string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM sessions WHERE customer_id = ?`, customerID,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetSession: not found", "customerID", customerID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("get session %s: %w", customerID, err)
	}

	if expiresAt.Valid && !expiresAt.Time.After(s.now().UTC()) {
		slog.Debug("SQLiteStore.GetSession: session expired", "customerID", customerID, "expiredAt", expiresAt.Time)
		if err := s.DeleteSession(ctx, customerID); err != nil {
			slog.Warn("SQLiteStore.GetSession: failed to drop expired session", "error", err, "customerID", customerID)
		}
		return nil, nil
	}

	return decodeSession(customerID, []byte(data))
}

// PutSession upserts the session with an optional TTL.
func (s *SQLiteStore) PutSession(ctx context.Context, session models.Session, ttl time.Duration) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (customer_id, state, data, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(customer_id) DO UPDATE SET
		   state = excluded.state, data = excluded.data,
		   expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		session.CustomerID, string(session.State), string(data), expiryFor(now, ttl),
		session.CreatedAt.UTC(), now,
	)
	if err != nil {
		slog.Error("SQLiteStore.PutSession failed", "error", err, "customerID", session.CustomerID)
		return fmt.Errorf("put session %s: %w", session.CustomerID, err)
	}
	slog.Debug("SQLiteStore.PutSession succeeded", "customerID", session.CustomerID, "state", session.State)
	return nil
}

// DeleteSession removes the session; deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, customerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE customer_id = ?`, customerID); err != nil {
		slog.Error("SQLiteStore.DeleteSession failed", "error", err, "customerID", customerID)
		return fmt.Errorf("delete session %s: %w", customerID, err)
	}
	return nil
}

// ListSessions returns all unexpired sessions ordered by last update.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, data FROM sessions
		 WHERE expires_at IS NULL OR expires_at > ?
		 ORDER BY updated_at DESC`, s.now().UTC())
	if err != nil {
		slog.Error("SQLiteStore.ListSessions query failed", "error", err)
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// PurgeExpiredSessions deletes sessions whose TTL elapsed before now.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DedupRepo returns the store itself as the dedup repository.
func (s *SQLiteStore) DedupRepo() DedupRepo { return s }

// OutboxRepo returns the store itself as the outbox repository.
func (s *SQLiteStore) OutboxRepo() OutboxRepo { return s }

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// collectSessions decodes (customer_id, data) rows, skipping corrupt records.
func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		var customerID string
		var data []byte
		if err := rows.Scan(&customerID, &data); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess, err := decodeSession(customerID, data)
		if err != nil {
			slog.Warn("store.collectSessions: skipping corrupt session", "customerID", customerID, "error", err)
			continue
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}
