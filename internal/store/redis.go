package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the multi-replica backend: sessions and connections are
// JSON blobs under namespaced keys, reclaimed by Redis key expiry instead
// of the periodic ReclaimExpired sweep the SQLite/memory backends need.
// Grounded on the same redis.Client session/guest-token TTL pattern other
// presence services in this pack use (Set with a TTL, Get, Del).
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis wraps an already-configured *redis.Client. prefix namespaces
// keys so one Redis instance can serve multiple deployments.
func OpenRedis(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) sessionKey(id string) string    { return s.prefix + "session:" + id }
func (s *RedisStore) connKey(id string) string        { return s.prefix + "conn:" + id }
func (s *RedisStore) sessionConnsKey(id string) string { return s.prefix + "session-conns:" + id }
func (s *RedisStore) rateKey(identifier string) string { return s.prefix + "rate:" + identifier }

func (s *RedisStore) GetSession(ctx context.Context, id string) (Session, bool, error) {
	raw, err := s.rdb.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, false, fmt.Errorf("redis decode session: %w", err)
	}
	return sess, true, nil
}

func (s *RedisStore) PutSession(ctx context.Context, sess Session, onlyIfAbsent bool) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis encode session: %w", err)
	}
	ttl := ttlFromExpiry(sess.ExpiresAt)
	key := s.sessionKey(sess.SessionID)
	if onlyIfAbsent {
		ok, err := s.rdb.SetNX(ctx, key, b, ttl).Result()
		if err != nil {
			return fmt.Errorf("redis setnx session: %w", err)
		}
		if !ok {
			return ErrAlreadyExists
		}
		return nil
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// UpdateSession is a read-modify-write guarded by Redis WATCH/MULTI so
// concurrent listener joins on the same session still serialize through
// the MaxListenerCount check, the same optimistic-concurrency shape the
// SQL backend gets from a transaction.
func (s *RedisStore) UpdateSession(ctx context.Context, id string, patch SessionPatch, cond SessionCondition) error {
	key := s.sessionKey(id)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("redis decode session: %w", err)
		}
		if cond.RequireActive && !sess.IsActive {
			return ErrConditionFailed
		}
		if cond.MaxListenerCount > 0 && sess.ListenerCount+patch.ListenerCountDelta > cond.MaxListenerCount {
			return ErrConditionFailed
		}
		if patch.SpeakerConnectionID != nil {
			sess.SpeakerConnectionID = *patch.SpeakerConnectionID
		}
		if patch.Paused != nil {
			sess.Paused = *patch.Paused
		}
		if patch.SetInactive {
			sess.IsActive = false
		}
		sess.ListenerCount += patch.ListenerCountDelta
		if sess.ListenerCount < 0 {
			sess.ListenerCount = 0
		}
		b, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("redis encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, ttlFromExpiry(sess.ExpiresAt))
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return s.UpdateSession(ctx, id, patch, cond)
	}
	return err
}

func (s *RedisStore) AtomicAddListenerCount(ctx context.Context, id string, delta int, floor int) (int, error) {
	key := s.sessionKey(id)
	var result int
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("redis decode session: %w", err)
		}
		sess.ListenerCount += delta
		if sess.ListenerCount < floor {
			sess.ListenerCount = floor
		}
		result = sess.ListenerCount
		b, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("redis encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, ttlFromExpiry(sess.ExpiresAt))
			return nil
		})
		return err
	}
	err := s.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return s.AtomicAddListenerCount(ctx, id, delta, floor)
	}
	return result, err
}

func (s *RedisStore) GetConnection(ctx context.Context, connectionID string) (Connection, bool, error) {
	raw, err := s.rdb.Get(ctx, s.connKey(connectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Connection{}, false, nil
	}
	if err != nil {
		return Connection{}, false, fmt.Errorf("redis get connection: %w", err)
	}
	var c Connection
	if err := json.Unmarshal(raw, &c); err != nil {
		return Connection{}, false, fmt.Errorf("redis decode connection: %w", err)
	}
	return c, true, nil
}

func (s *RedisStore) PutConnection(ctx context.Context, c Connection) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis encode connection: %w", err)
	}
	ttl := ttlFromExpiry(c.TTL)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.connKey(c.ConnectionID), b, ttl)
	pipe.SAdd(ctx, s.sessionConnsKey(c.SessionID), c.ConnectionID)
	pipe.Expire(ctx, s.sessionConnsKey(c.SessionID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put connection: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteConnection(ctx context.Context, connectionID string) error {
	conn, found, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.connKey(connectionID))
	pipe.SRem(ctx, s.sessionConnsKey(conn.SessionID), connectionID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis delete connection: %w", err)
	}
	return nil
}

func (s *RedisStore) QueryConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error) {
	ids, err := s.rdb.SMembers(ctx, s.sessionConnsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list session connections: %w", err)
	}
	out := make([]Connection, 0, len(ids))
	for _, id := range ids {
		c, found, err := s.GetConnection(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *RedisStore) QueryConnectionsByLanguage(ctx context.Context, sessionID, language string) ([]Connection, error) {
	all, err := s.QueryConnectionsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(all))
	for _, c := range all {
		if c.TargetLanguage == language {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *RedisStore) BatchDeleteConnections(ctx context.Context, connectionIDs []string) map[string]error {
	errs := make(map[string]error, len(connectionIDs))
	for _, id := range connectionIDs {
		if err := s.DeleteConnection(ctx, id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// RateLimitCheck implements the fixed-window counter with INCR+EXPIRE,
// the same primitive the listen-party reference uses for its session and
// guest-token TTLs, applied here to a counting key instead of a blob.
func (s *RedisStore) RateLimitCheck(ctx context.Context, identifier string, limit int, window time.Duration) (bool, int64, error) {
	key := s.rateKey(identifier)
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr rate counter: %w", err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire rate counter: %w", err)
		}
	}
	if count > int64(limit) {
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}
		return false, int64(ttl.Seconds()) + 1, nil
	}
	return true, 0, nil
}

func ttlFromExpiry(expiresAtMillis int64) time.Duration {
	if expiresAtMillis <= 0 {
		return 24 * time.Hour
	}
	d := time.Until(time.UnixMilli(expiresAtMillis))
	if d <= 0 {
		return time.Second
	}
	return d
}
