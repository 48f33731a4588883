package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/thunder45/translate-control-plane/internal/protocol"
)

func TestSendDeliversToRegisteredConnection(t *testing.T) {
	h := NewHub()
	ch := make(chan protocol.Outbound, 1)
	h.Register("conn-1", ch)

	outcome := h.Send(context.Background(), "conn-1", protocol.Outbound{Type: protocol.TypeHeartbeatAck})
	if outcome != Sent {
		t.Fatalf("expected Sent, got %v", outcome)
	}

	select {
	case msg := <-ch:
		if msg.Type != protocol.TypeHeartbeatAck {
			t.Fatalf("unexpected message type %v", msg.Type)
		}
	default:
		t.Fatalf("expected message to be queued on channel")
	}
}

func TestSendUnregisteredConnectionIsGone(t *testing.T) {
	h := NewHub()
	outcome := h.Send(context.Background(), "missing", protocol.Outbound{Type: protocol.TypeError})
	if outcome != Gone {
		t.Fatalf("expected Gone, got %v", outcome)
	}
}

func TestSendToFullChannelTimesOut(t *testing.T) {
	h := NewHub()
	ch := make(chan protocol.Outbound) // unbuffered, nobody reads it
	h.Register("conn-1", ch)

	orig := SendTimeout
	SendTimeout = 20 * time.Millisecond
	t.Cleanup(func() { SendTimeout = orig })

	outcome := h.Send(context.Background(), "conn-1", protocol.Outbound{Type: protocol.TypeError})
	if outcome != Failed {
		t.Fatalf("expected Failed, got %v", outcome)
	}
}

func TestSendAfterUnregisterIsGone(t *testing.T) {
	h := NewHub()
	ch := make(chan protocol.Outbound, 1)
	h.Register("conn-1", ch)
	h.Unregister("conn-1")

	outcome := h.Send(context.Background(), "conn-1", protocol.Outbound{Type: protocol.TypeError})
	if outcome != Gone {
		t.Fatalf("expected Gone after unregister, got %v", outcome)
	}
}

func TestBroadcastClassifiesEveryTarget(t *testing.T) {
	h := NewHub()

	delivered := make(chan protocol.Outbound, 1)
	h.Register("listener-ok", delivered)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-delivered
	}()

	ids := []string{"listener-ok", "listener-gone"}
	summary := h.Broadcast(context.Background(), ids, protocol.Outbound{Type: protocol.TypeSessionEnded}, 4)
	wg.Wait()

	if summary.Sent != 1 {
		t.Fatalf("expected 1 sent, got %d", summary.Sent)
	}
	if summary.Gone != 1 {
		t.Fatalf("expected 1 gone, got %d", summary.Gone)
	}
	if summary.Failed != 0 {
		t.Fatalf("expected 0 failed, got %d", summary.Failed)
	}
}

func TestBroadcastRespectsMaxParallel(t *testing.T) {
	h := NewHub()

	orig := SendTimeout
	SendTimeout = 20 * time.Millisecond
	t.Cleanup(func() { SendTimeout = orig })

	// Every peer is registered but never reads, so each Send holds its slot
	// for the full SendTimeout. With at most 4 sends in flight, 50 sends
	// need at least ceil(50/4) = 13 back-to-back timeouts.
	const n = 50
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := stringID(i)
		ids = append(ids, id)
		h.Register(id, make(chan protocol.Outbound))
	}

	start := time.Now()
	summary := h.Broadcast(context.Background(), ids, protocol.Outbound{Type: protocol.TypeSessionEnded}, 4)
	elapsed := time.Since(start)

	if summary.Failed != n {
		t.Fatalf("expected all %d stalled sends to fail, got %+v", n, summary)
	}
	if minElapsed := 13 * SendTimeout; elapsed < minElapsed {
		t.Fatalf("expected at most 4 concurrent sends (>= %v for %d stalled peers), finished in %v", minElapsed, n, elapsed)
	}
}

func stringID(i int) string {
	const digits = "0123456789"
	if i == 0 {
		return "id-0"
	}
	buf := make([]byte, 0, 4)
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return "id-" + string(buf)
}
