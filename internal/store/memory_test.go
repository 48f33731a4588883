package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemStorePutGetSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	sess := Session{SessionID: "calm-otter-512", IsActive: true, SourceLanguage: "en"}
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
	if got.SourceLanguage != "en" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestMemStoreUpdateSessionConditionFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.PutSession(ctx, Session{SessionID: "s1", IsActive: false}, true)

	err := s.UpdateSession(ctx, "s1", SessionPatch{ListenerCountDelta: 1}, SessionCondition{RequireActive: true})
	if err != ErrConditionFailed {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestMemStoreUpdateSessionCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.PutSession(ctx, Session{SessionID: "s1", IsActive: true, ListenerCount: 500}, true)

	err := s.UpdateSession(ctx, "s1", SessionPatch{ListenerCountDelta: 1},
		SessionCondition{RequireActive: true, MaxListenerCount: 500})
	if err != ErrConditionFailed {
		t.Fatalf("expected capacity ErrConditionFailed, got %v", err)
	}

	sess, _, _ := s.GetSession(ctx, "s1")
	if sess.ListenerCount != 500 {
		t.Fatalf("listener count mutated on condition failure: %d", sess.ListenerCount)
	}
}

func TestMemStoreAtomicAddListenerCountFloor(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.PutSession(ctx, Session{SessionID: "s1", IsActive: true, ListenerCount: 0}, true)

	count, err := s.AtomicAddListenerCount(ctx, "s1", -5, 0)
	if err != nil {
		t.Fatalf("AtomicAddListenerCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected floor 0, got %d", count)
	}
}

func TestMemStoreConcurrentListenerCountNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.PutSession(ctx, Session{SessionID: "s1", IsActive: true}, true)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.AtomicAddListenerCount(ctx, "s1", 1, 0)
		}()
		go func() {
			defer wg.Done()
			_, _ = s.AtomicAddListenerCount(ctx, "s1", -1, 0)
		}()
	}
	wg.Wait()

	sess, _, _ := s.GetSession(ctx, "s1")
	if sess.ListenerCount < 0 {
		t.Fatalf("listener count went negative: %d", sess.ListenerCount)
	}
}

func TestMemStoreDeleteConnectionIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.DeleteConnection(ctx, "missing"); err != nil {
		t.Fatalf("delete missing connection should be a no-op success: %v", err)
	}

	_ = s.PutConnection(ctx, Connection{ConnectionID: "c1", SessionID: "s1"})
	if err := s.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if err := s.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("second DeleteConnection should still succeed: %v", err)
	}
}

func TestMemStoreQueryConnectionsByLanguage(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.PutConnection(ctx, Connection{ConnectionID: "c1", SessionID: "s1", TargetLanguage: "es"})
	_ = s.PutConnection(ctx, Connection{ConnectionID: "c2", SessionID: "s1", TargetLanguage: "fr"})
	_ = s.PutConnection(ctx, Connection{ConnectionID: "c3", SessionID: "s2", TargetLanguage: "es"})

	got, err := s.QueryConnectionsByLanguage(ctx, "s1", "es")
	if err != nil {
		t.Fatalf("QueryConnectionsByLanguage: %v", err)
	}
	if len(got) != 1 || got[0].ConnectionID != "c1" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestMemStoreRateLimitCheckWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for i := 0; i < 5; i++ {
		allowed, _, err := s.RateLimitCheck(ctx, "joinSession:abc", 5, time.Minute)
		if err != nil || !allowed {
			t.Fatalf("attempt %d: expected admit, got allowed=%v err=%v", i, allowed, err)
		}
	}

	allowed, retryAfter, err := s.RateLimitCheck(ctx, "joinSession:abc", 5, time.Minute)
	if err != nil {
		t.Fatalf("RateLimitCheck: %v", err)
	}
	if allowed {
		t.Fatalf("6th request over limit=5 should be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %d", retryAfter)
	}
}

func TestMemStoreReclaimExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	_ = s.PutSession(ctx, Session{SessionID: "expired", ExpiresAt: now.Add(-time.Minute).UnixMilli()}, true)
	_ = s.PutSession(ctx, Session{SessionID: "live", ExpiresAt: now.Add(time.Hour).UnixMilli()}, true)
	_ = s.PutConnection(ctx, Connection{ConnectionID: "stale", TTL: now.Add(-time.Minute).UnixMilli()})

	sessions, connections := s.ReclaimExpired(ctx, now)
	if sessions != 1 || connections != 1 {
		t.Fatalf("expected 1 reclaimed session and 1 connection, got %d/%d", sessions, connections)
	}
	if _, found, _ := s.GetSession(ctx, "live"); !found {
		t.Fatalf("live session should survive reclaim")
	}
}
