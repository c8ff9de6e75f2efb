// Package store provides session storage backends for the support bot.
//
// This file implements a Redis-backed session store. Each session is one JSON
// value under "session:{customer_id}" and expiry is delegated to Redis TTLs.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/intynet/neti/internal/models"
	goredis "github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "session:"
	redisDedupPrefix   = "dedup:"
	redisScanCount     = 100
)

// RedisStore keeps sessions and inbound dedup markers in Redis.
// It has no outbox; replies on Redis deployments are sent directly.
type RedisStore struct {
	rdb *goredis.Client
}

var (
	_ SessionStore = (*RedisStore)(nil)
	_ DedupRepo    = (*RedisStore)(nil)
)

// NewRedisStore connects to the Redis URL given via WithRedisURL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := goredis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		ropts.DialTimeout = cfg.DialTimeout
	} else {
		ropts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), ropts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", ropts.Addr, "db", ropts.DB)
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(customerID string) string { return redisSessionPrefix + customerID }

func (s *RedisStore) GetSession(ctx context.Context, customerID string) (*models.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(customerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore.GetSession failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("get session %s: %w", customerID, err)
	}
	return decodeSession(customerID, data)
}

func (s *RedisStore) PutSession(ctx context.Context, session models.Session, ttl time.Duration) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, sessionKey(session.CustomerID), data, ttl).Err(); err != nil {
		slog.Error("RedisStore.PutSession failed", "error", err, "customerID", session.CustomerID)
		return fmt.Errorf("put session %s: %w", session.CustomerID, err)
	}
	slog.Debug("RedisStore.PutSession succeeded", "customerID", session.CustomerID, "state", session.State, "ttl", ttl)
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, customerID string) error {
	if err := s.rdb.Del(ctx, sessionKey(customerID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", customerID, err)
	}
	return nil
}

// ListSessions scans all session keys. Keys that expire mid-scan are skipped.
func (s *RedisStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	iter := s.rdb.Scan(ctx, 0, redisSessionPrefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		customerID := key[len(redisSessionPrefix):]
		sess, err := s.GetSession(ctx, customerID)
		if err != nil {
			if errors.Is(err, ErrCorruptSession) {
				slog.Warn("RedisStore.ListSessions: skipping corrupt session", "customerID", customerID)
				continue
			}
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt) })
	return sessions, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisDedupPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecordInbound(ctx context.Context, messageID, customerID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, redisDedupPrefix+messageID, customerID, DefaultDedupRetention).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	err := s.rdb.SetArgs(ctx, redisDedupPrefix+messageID, "processed", goredis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
