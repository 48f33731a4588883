package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testWindow = time.Minute

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control-plane.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorePutGetSession(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	sess := Session{SessionID: "calm-otter-512", IsActive: true, SourceLanguage: "en", QualityTier: TierStandard}
	if err := s.PutSession(ctx, sess, true); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if err := s.PutSession(ctx, sess, true); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, found, err := s.GetSession(ctx, "calm-otter-512")
	if err != nil || !found {
		t.Fatalf("GetSession: found=%v err=%v", found, err)
	}
	if got.SourceLanguage != "en" || !got.IsActive {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSQLiteStoreConcurrentPutSessionOnlyIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.PutSession(ctx, Session{
				SessionID:      "calm-otter-777",
				IsActive:       true,
				SourceLanguage: "en",
				SpeakerUserID:  "user-" + string(rune('a'+i)),
			}, true)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if err != ErrAlreadyExists {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful create under concurrent onlyIfAbsent PutSession, got %d", successes)
	}
}

func TestSQLiteStoreUpdateSessionCapacity(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	_ = s.PutSession(ctx, Session{SessionID: "s1", IsActive: true, ListenerCount: 500}, true)

	err := s.UpdateSession(ctx, "s1", SessionPatch{ListenerCountDelta: 1},
		SessionCondition{RequireActive: true, MaxListenerCount: 500})
	if err != ErrConditionFailed {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestSQLiteStoreConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	if err := s.DeleteConnection(ctx, "missing"); err != nil {
		t.Fatalf("delete of missing connection should succeed idempotently: %v", err)
	}

	_ = s.PutConnection(ctx, Connection{ConnectionID: "c1", SessionID: "s1", TargetLanguage: "es"})
	got, found, err := s.GetConnection(ctx, "c1")
	if err != nil || !found || got.TargetLanguage != "es" {
		t.Fatalf("GetConnection: got=%+v found=%v err=%v", got, found, err)
	}

	conns, err := s.QueryConnectionsBySession(ctx, "s1")
	if err != nil || len(conns) != 1 {
		t.Fatalf("QueryConnectionsBySession: %+v err=%v", conns, err)
	}

	results := s.BatchDeleteConnections(ctx, []string{"c1", "nonexistent"})
	for id, err := range results {
		if err != nil {
			t.Fatalf("batch delete of %s failed: %v", id, err)
		}
	}
}

func TestSQLiteStoreRateLimitCheck(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	for i := 0; i < 3; i++ {
		allowed, _, err := s.RateLimitCheck(ctx, "createSession:u1", 3, testWindow)
		if err != nil || !allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := s.RateLimitCheck(ctx, "createSession:u1", 3, testWindow)
	if err != nil {
		t.Fatalf("RateLimitCheck: %v", err)
	}
	if allowed {
		t.Fatalf("4th request over limit=3 should be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %d", retryAfter)
	}
}

func TestSQLiteStoreCountAndListActiveSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	active := Session{SessionID: "calm-otter-1", IsActive: true, SourceLanguage: "en", QualityTier: TierStandard}
	inactive := Session{SessionID: "calm-otter-2", IsActive: false, SourceLanguage: "en", QualityTier: TierStandard}
	if err := s.PutSession(ctx, active, true); err != nil {
		t.Fatalf("PutSession active: %v", err)
	}
	if err := s.PutSession(ctx, inactive, true); err != nil {
		t.Fatalf("PutSession inactive: %v", err)
	}

	n, err := s.CountActiveSessions(ctx)
	if err != nil {
		t.Fatalf("CountActiveSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active session, got %d", n)
	}

	list, err := s.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "calm-otter-1" {
		t.Fatalf("unexpected active session list: %+v", list)
	}
}

func TestSQLiteStoreBackup(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	sess := Session{SessionID: "calm-otter-3", IsActive: true, SourceLanguage: "en", QualityTier: TierStandard}
	if err := s.PutSession(ctx, sess, true); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	destPath := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(ctx, destPath); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	restored, err := OpenSQLite(destPath)
	if err != nil {
		t.Fatalf("OpenSQLite(backup): %v", err)
	}
	defer restored.Close()

	got, found, err := restored.GetSession(ctx, "calm-otter-3")
	if err != nil || !found {
		t.Fatalf("GetSession on backup: found=%v err=%v", found, err)
	}
	if got.SessionID != "calm-otter-3" {
		t.Fatalf("unexpected restored session: %+v", got)
	}
}
