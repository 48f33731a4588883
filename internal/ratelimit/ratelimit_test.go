package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
	"github.com/thunder45/translate-control-plane/internal/store"
)

func TestLimiterAdmitsWithinLimit(t *testing.T) {
	st := store.NewMemStore()
	l := New(st, map[string]Policy{
		"joinSession": {Window: time.Minute, Limit: 30, FailOpen: true},
	})

	for i := 0; i < 30; i++ {
		if err := l.Allow(context.Background(), "joinSession", "ip-hash-1"); err != nil {
			t.Fatalf("attempt %d: expected admit, got %v", i, err)
		}
	}
}

func TestLimiterRejectsOverLimit(t *testing.T) {
	st := store.NewMemStore()
	l := New(st, map[string]Policy{
		"createSession": {Window: time.Minute, Limit: 5, FailOpen: false},
	})

	for i := 0; i < 5; i++ {
		if err := l.Allow(context.Background(), "createSession", "user-1"); err != nil {
			t.Fatalf("attempt %d: expected admit, got %v", i, err)
		}
	}

	err := l.Allow(context.Background(), "createSession", "user-1")
	var ctlErr *ctlerr.Error
	if !errors.As(err, &ctlErr) || ctlErr.Code != ctlerr.RateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if ctlErr.RetryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %d", ctlErr.RetryAfter)
	}
}

func TestLimiterUnknownOperation(t *testing.T) {
	st := store.NewMemStore()
	l := New(st, map[string]Policy{})
	if err := l.Allow(context.Background(), "unknown", "x"); err == nil {
		t.Fatalf("expected error for unconfigured operation")
	}
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	st := store.NewMemStore()
	l := New(st, map[string]Policy{
		"joinSession": {Window: time.Minute, Limit: 1, FailOpen: true},
	})

	if err := l.Allow(context.Background(), "joinSession", "a"); err != nil {
		t.Fatalf("first caller a: %v", err)
	}
	if err := l.Allow(context.Background(), "joinSession", "b"); err != nil {
		t.Fatalf("first caller b should be unaffected by a's usage: %v", err)
	}
}
