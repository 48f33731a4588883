package idgen

import (
	"context"
	"regexp"
	"testing"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`^[a-z]+-[a-z]+-\d{3}$`)

func alwaysAbsent(context.Context, string) (bool, error) { return false, nil }

func TestNewSessionIDFormat(t *testing.T) {
	g := New(nil, nil, WithRetryBase(time.Millisecond))
	for i := 0; i < 50; i++ {
		id, err := g.NewSessionID(context.Background(), alwaysAbsent)
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		if !sessionIDPattern.MatchString(id) {
			t.Fatalf("id %q does not match canonical format", id)
		}
	}
}

func TestNewSessionIDRetriesOnCollision(t *testing.T) {
	g := New(nil, nil, WithRetryBase(time.Millisecond))

	calls := 0
	probe := func(_ context.Context, _ string) (bool, error) {
		calls++
		return calls < 3, nil // first two candidates "exist", third is free
	}

	id, err := g.NewSessionID(context.Background(), probe)
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 probe calls, got %d", calls)
	}
	if !sessionIDPattern.MatchString(id) {
		t.Fatalf("id %q does not match canonical format", id)
	}
}

func TestNewSessionIDCollisionExhausted(t *testing.T) {
	g := New(nil, nil, WithMaxAttempts(4), WithRetryBase(time.Millisecond))

	calls := 0
	probe := func(_ context.Context, _ string) (bool, error) {
		calls++
		return true, nil // always collides
	}

	_, err := g.NewSessionID(context.Background(), probe)
	if err != ErrCollisionExhausted {
		t.Fatalf("expected ErrCollisionExhausted, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected exactly idGeneratorMaxAttempts=4 probes, got %d", calls)
	}
}

func TestNewSessionIDHonorsBlacklist(t *testing.T) {
	g := New([]string{"banned"}, []string{"word"}, WithBlacklist("banned"), WithRetryBase(time.Millisecond))

	id, err := g.NewSessionID(context.Background(), alwaysAbsent)
	if err == nil {
		t.Fatalf("expected generation to fail when every adjective is blacklisted, got id=%q", id)
	}
}
