// Package store provides session storage backends for the support bot.
//
// One session record is kept per customer id. Backends are an in-memory map,
// SQLite, PostgreSQL and Redis; the SQL backends also carry the inbound
// dedup table and the outbound message outbox.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/intynet/neti/internal/models"
)

// ErrCorruptSession is returned when a stored session cannot be decoded.
var ErrCorruptSession = errors.New("stored session is corrupt")

// DSN types reported by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
	DSNTypeRedis    = "redis"
)

// SessionStore persists conversation sessions keyed by customer id.
// A missing or expired session is reported as (nil, nil).
type SessionStore interface {
	GetSession(ctx context.Context, customerID string) (*models.Session, error)
	// PutSession upserts the session. A non-positive ttl means no expiry.
	PutSession(ctx context.Context, session models.Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, customerID string) error
	ListSessions(ctx context.Context) ([]models.Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// PersistenceProvider is implemented by stores that also provide the
// durable dedup and outbox repositories.
type PersistenceProvider interface {
	DedupRepo() DedupRepo
	OutboxRepo() OutboxRepo
}

// Purger is implemented by stores that need expired sessions swept explicitly.
// Redis expires keys by itself and does not implement it.
type Purger interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN         string
	DialTimeout time.Duration
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL sets the Redis URL (redis:// or rediss://).
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.DSN = url }
}

// WithDialTimeout bounds connection establishment for network backends.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DialTimeout = d }
}

// DetectDSNType returns the backend a DSN refers to.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case d == "":
		return DSNTypeMemory
	case strings.HasPrefix(d, "redis://"), strings.HasPrefix(d, "rediss://"):
		return DSNTypeRedis
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"),
		strings.Contains(d, "host=") || strings.Contains(d, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the session store matching the DSN type.
func Open(dsn string, opts ...Option) (SessionStore, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open: selecting backend", "type", kind)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypeRedis:
		return NewRedisStore(append(opts, WithRedisURL(dsn))...)
	case DSNTypePostgres:
		return NewPostgresStore(append(opts, WithPostgresDSN(dsn))...)
	case DSNTypeSQLite:
		return NewSQLiteStore(append(opts, WithSQLiteDSN(dsn))...)
	default:
		return nil, fmt.Errorf("unsupported DSN type %q", kind)
	}
}

// CountByState tallies sessions per conversation state.
func CountByState(sessions []models.Session) map[models.StateType]int {
	counts := make(map[models.StateType]int, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}
	for _, s := range sessions {
		counts[s.State]++
	}
	return counts
}
