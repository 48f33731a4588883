package langsupport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupportedCachesResult(t *testing.T) {
	var calls int32
	probe := func(_ context.Context, source, target string) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return source == "en" && target == "es", nil
	}
	c := New(probe, time.Minute, 500*time.Millisecond)

	if err := c.Supported(context.Background(), "en", "es"); err != nil {
		t.Fatalf("expected supported pair to pass: %v", err)
	}
	if err := c.Supported(context.Background(), "en", "es"); err != nil {
		t.Fatalf("expected cached supported pair to pass: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 upstream probe call, got %d", got)
	}
}

func TestUnsupportedPairRejected(t *testing.T) {
	c := New(StaticProber(map[string][]string{"en": {"es"}}), time.Minute, 500*time.Millisecond)

	err := c.Supported(context.Background(), "en", "de")
	if err == nil {
		t.Fatalf("expected unsupported pair to be rejected")
	}
}

func TestProbeFailureRejectsConservatively(t *testing.T) {
	probe := func(context.Context, string, string) (bool, error) {
		return false, errors.New("downstream unavailable")
	}
	c := New(probe, time.Minute, 500*time.Millisecond)

	if err := c.Supported(context.Background(), "en", "es"); err == nil {
		t.Fatalf("expected probe failure to be rejected conservatively")
	}
}

func TestSlowProbeTimesOutConservatively(t *testing.T) {
	probe := func(ctx context.Context, _, _ string) (bool, error) {
		select {
		case <-time.After(2 * time.Second):
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	c := New(probe, time.Minute, 50*time.Millisecond)

	start := time.Now()
	err := c.Supported(context.Background(), "en", "es")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected timeout to reject conservatively")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("lookup should not block past its configured timeout, took %v", elapsed)
	}
}
