package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable single-node backend for Store: the state
// model never leaks which backend is underneath, so SQLiteStore, MemStore
// and RedisStore are interchangeable behind the same interface.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) a SQLite-backed store at path and
// runs idempotent migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			speaker_connection_id TEXT NOT NULL,
			speaker_user_id TEXT NOT NULL,
			source_language TEXT NOT NULL,
			quality_tier TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			is_active INTEGER NOT NULL,
			paused INTEGER NOT NULL DEFAULT 0,
			listener_count INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			target_language TEXT NOT NULL,
			role TEXT NOT NULL,
			connected_at INTEGER NOT NULL,
			ttl INTEGER NOT NULL,
			ip_address_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_session ON connections(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_session_lang ON connections(session_id, target_language)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			identifier TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			window_start INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, speaker_connection_id, speaker_user_id,
		source_language, quality_tier, created_at, is_active, paused, listener_count, expires_at
		FROM sessions WHERE session_id = ?`, id)
	var sess Session
	var isActive, paused int
	err := row.Scan(&sess.SessionID, &sess.SpeakerConnectionID, &sess.SpeakerUserID,
		&sess.SourceLanguage, &sess.QualityTier, &sess.CreatedAt, &isActive, &paused,
		&sess.ListenerCount, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("query session: %w", err)
	}
	sess.IsActive = isActive != 0
	sess.Paused = paused != 0
	return sess, true, nil
}

// PutSession inserts sess. When onlyIfAbsent is true, a colliding id must
// come back as ErrAlreadyExists rather than overwrite the existing row —
// a prior SELECT-then-INSERT let two concurrent callers both pass the
// existence check and the second silently clobber the first's session, so
// the bare INSERT (no upsert) is the only thing enforcing uniqueness here.
func (s *SQLiteStore) PutSession(ctx context.Context, sess Session, onlyIfAbsent bool) error {
	if onlyIfAbsent {
		_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
			(session_id, speaker_connection_id, speaker_user_id, source_language, quality_tier,
			 created_at, is_active, paused, listener_count, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, sess.SpeakerConnectionID, sess.SpeakerUserID, sess.SourceLanguage,
			sess.QualityTier, sess.CreatedAt, boolToInt(sess.IsActive), boolToInt(sess.Paused),
			sess.ListenerCount, sess.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("put session: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(session_id, speaker_connection_id, speaker_user_id, source_language, quality_tier,
		 created_at, is_active, paused, listener_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			speaker_connection_id = excluded.speaker_connection_id,
			speaker_user_id = excluded.speaker_user_id,
			source_language = excluded.source_language,
			quality_tier = excluded.quality_tier,
			created_at = excluded.created_at,
			is_active = excluded.is_active,
			paused = excluded.paused,
			listener_count = excluded.listener_count,
			expires_at = excluded.expires_at`,
		sess.SessionID, sess.SpeakerConnectionID, sess.SpeakerUserID, sess.SourceLanguage,
		sess.QualityTier, sess.CreatedAt, boolToInt(sess.IsActive), boolToInt(sess.Paused),
		sess.ListenerCount, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err came from a UNIQUE constraint
// failure. modernc.org/sqlite surfaces these as a driver-specific error
// type whose message always contains SQLite's own "UNIQUE constraint
// failed" text, so matching on that text avoids a hard dependency on the
// driver's internal error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpdateSession runs its condition check and patch application inside one
// transaction so the read-check-write is atomic under concurrent callers,
// the SQL analogue of MemStore's single mutex critical section.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch, cond SessionCondition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT is_active, listener_count FROM sessions WHERE session_id = ?`, id)
	var isActive int
	var listenerCount int
	if err := row.Scan(&isActive, &listenerCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("scan session: %w", err)
	}

	if cond.RequireActive && isActive == 0 {
		return ErrConditionFailed
	}
	if cond.MaxListenerCount > 0 && listenerCount+patch.ListenerCountDelta > cond.MaxListenerCount {
		return ErrConditionFailed
	}

	newCount := listenerCount + patch.ListenerCountDelta
	if newCount < 0 {
		newCount = 0
	}

	setClauses := `listener_count = ?`
	args := []any{newCount}
	if patch.SpeakerConnectionID != nil {
		setClauses += `, speaker_connection_id = ?`
		args = append(args, *patch.SpeakerConnectionID)
	}
	if patch.SetInactive {
		setClauses += `, is_active = 0`
	}
	if patch.Paused != nil {
		setClauses += `, paused = ?`
		args = append(args, boolToInt(*patch.Paused))
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET `+setClauses+` WHERE session_id = ?`, args...); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AtomicAddListenerCount(ctx context.Context, id string, delta int, floor int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT listener_count FROM sessions WHERE session_id = ?`, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("scan listener count: %w", err)
	}
	count += delta
	if count < floor {
		count = floor
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET listener_count = ? WHERE session_id = ?`, count, id); err != nil {
		return 0, fmt.Errorf("update listener count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetConnection(ctx context.Context, connectionID string) (Connection, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT connection_id, session_id, target_language, role,
		connected_at, ttl, ip_address_hash FROM connections WHERE connection_id = ?`, connectionID)
	var c Connection
	err := row.Scan(&c.ConnectionID, &c.SessionID, &c.TargetLanguage, &c.Role, &c.ConnectedAt, &c.TTL, &c.IPAddressHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, false, nil
	}
	if err != nil {
		return Connection{}, false, fmt.Errorf("query connection: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) PutConnection(ctx context.Context, c Connection) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO connections
		(connection_id, session_id, target_language, role, connected_at, ttl, ip_address_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			session_id = excluded.session_id,
			target_language = excluded.target_language,
			role = excluded.role,
			connected_at = excluded.connected_at,
			ttl = excluded.ttl,
			ip_address_hash = excluded.ip_address_hash`,
		c.ConnectionID, c.SessionID, c.TargetLanguage, c.Role, c.ConnectedAt, c.TTL, c.IPAddressHash)
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, connectionID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connection_id, session_id, target_language, role,
		connected_at, ttl, ip_address_hash FROM connections WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query connections by session: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (s *SQLiteStore) QueryConnectionsByLanguage(ctx context.Context, sessionID, language string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connection_id, session_id, target_language, role,
		connected_at, ttl, ip_address_hash FROM connections WHERE session_id = ? AND target_language = ?`,
		sessionID, language)
	if err != nil {
		return nil, fmt.Errorf("query connections by language: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]Connection, error) {
	out := make([]Connection, 0)
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ConnectionID, &c.SessionID, &c.TargetLanguage, &c.Role, &c.ConnectedAt, &c.TTL, &c.IPAddressHash); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BatchDeleteConnections(ctx context.Context, connectionIDs []string) map[string]error {
	results := make(map[string]error, len(connectionIDs))
	for _, id := range connectionIDs {
		_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, id)
		results[id] = err
	}
	return results
}

func (s *SQLiteStore) RateLimitCheck(ctx context.Context, identifier string, limit int, window time.Duration) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var count int
	var windowStartMs int64
	err = tx.QueryRowContext(ctx, `SELECT count, window_start FROM rate_limits WHERE identifier = ?`, identifier).
		Scan(&count, &windowStartMs)

	reset := errors.Is(err, sql.ErrNoRows)
	if err != nil && !reset {
		return false, 0, fmt.Errorf("scan rate limit: %w", err)
	}
	if !reset && now.Sub(time.UnixMilli(windowStartMs)) >= window {
		reset = true
	}

	if reset {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rate_limits (identifier, count, window_start, expires_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(identifier) DO UPDATE SET count = 1, window_start = excluded.window_start, expires_at = excluded.expires_at`,
			identifier, now.UnixMilli(), now.Add(window).UnixMilli()); err != nil {
			return false, 0, fmt.Errorf("reset rate limit: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit: %w", err)
		}
		return true, 0, nil
	}

	count++
	if _, err := tx.ExecContext(ctx, `UPDATE rate_limits SET count = ? WHERE identifier = ?`, count, identifier); err != nil {
		return false, 0, fmt.Errorf("increment rate limit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit: %w", err)
	}
	if count > limit {
		retryAfter := int64(window.Seconds() - now.Sub(time.UnixMilli(windowStartMs)).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// ReclaimExpired deletes sessions and connections past their TTL/expiry.
func (s *SQLiteStore) ReclaimExpired(ctx context.Context, now time.Time) (sessions int, connections int, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	res2, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE ttl <= ?`, now.UnixMilli())
	if err != nil {
		return int(n), 0, fmt.Errorf("reclaim connections: %w", err)
	}
	n2, _ := res2.RowsAffected()
	return int(n), int(n2), nil
}

// CountActiveSessions reports how many sessions currently have is_active
// set, for the admin CLI's status subcommand.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE is_active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ListActiveSessions returns every session with is_active set, for the
// admin CLI's sessions subcommand.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, speaker_connection_id, speaker_user_id,
		source_language, quality_tier, created_at, is_active, paused, listener_count, expires_at
		FROM sessions WHERE is_active = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		var isActive, paused int
		if err := rows.Scan(&sess.SessionID, &sess.SpeakerConnectionID, &sess.SpeakerUserID,
			&sess.SourceLanguage, &sess.QualityTier, &sess.CreatedAt, &isActive, &paused,
			&sess.ListenerCount, &sess.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.IsActive = isActive != 0
		sess.Paused = paused != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Backup writes a consistent snapshot of the database to destPath using
// SQLite's VACUUM INTO, which takes a read lock rather than requiring
// exclusive access.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
