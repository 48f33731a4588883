// Package broadcast fans control messages out to connections (component
// C10). Individual sends are non-blocking with a bounded timeout against
// each connection's per-connection send channel, with bounded-parallelism
// fan-out on top via errgroup.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thunder45/translate-control-plane/internal/protocol"
)

// Outcome classifies the result of one Send.
type Outcome string

const (
	Sent   Outcome = "sent"
	Gone   Outcome = "gone"
	Failed Outcome = "failed"
)

// SendTimeout bounds how long a single Send may block a caller. It is a
// var, not a const, so tests can shrink it for a stalled-peer case without
// waiting out the production timeout.
var SendTimeout = 5 * time.Second

// Summary is the all-or-classified result of a Broadcast call: every
// connection id passed in appears in exactly one bucket.
type Summary struct {
	Sent        int
	Gone        int
	Failed      int
	FailedIDs   map[string]error
}

// Hub is the in-process registry of live connection send channels. The
// websocket adapter registers a channel once a connection is admitted and
// unregisters it when the transport closes. The Hub never inspects message
// payloads — it only routes control frames.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]chan protocol.Outbound
}

// NewHub returns an empty connection registry.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]chan protocol.Outbound)}
}

// Register associates connectionID with a send channel, typically the one
// a websocket write-pump goroutine drains.
func (h *Hub) Register(connectionID string, ch chan protocol.Outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connectionID] = ch
}

// Unregister removes a connection's send channel. Idempotent.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connectionID)
}

// Send delivers msg to one connection id, returning Gone when the
// connection is not registered (the peer transport has already closed)
// and Failed when the send timed out against a registered-but-stalled
// peer.
func (h *Hub) Send(_ context.Context, connectionID string, msg protocol.Outbound) Outcome {
	h.mu.RLock()
	ch, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return Gone
	}

	return trySend(ch, msg)
}

// Broadcast fans msg out to connectionIDs with up to maxParallel
// concurrent sends. Every id appears in exactly one of
// Summary.{Sent,Gone,Failed}; no individual Send error is fatal to the
// batch.
func (h *Hub) Broadcast(ctx context.Context, connectionIDs []string, msg protocol.Outbound, maxParallel int) Summary {
	if maxParallel <= 0 {
		maxParallel = 32
	}

	var mu sync.Mutex
	summary := Summary{FailedIDs: make(map[string]error)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for _, id := range connectionIDs {
		id := id
		g.Go(func() error {
			outcome := h.Send(gctx, id, msg)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case Sent:
				summary.Sent++
			case Gone:
				summary.Gone++
			default:
				summary.Failed++
				summary.FailedIDs[id] = errSendTimeout
			}
			return nil // individual failures never abort the batch
		})
	}
	_ = g.Wait()

	slog.Debug("broadcast complete", "type", msg.Type, "sent", summary.Sent, "gone", summary.Gone, "failed", summary.Failed)
	return summary
}

var errSendTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "broadcast: send timed out" }

// trySend performs a non-blocking-bounded send: it waits up to SendTimeout
// for room in ch, and recovers from a send-on-closed-channel panic (a
// connection can be unregistered concurrently with a broadcast in flight).
func trySend(ch chan protocol.Outbound, msg protocol.Outbound) (outcome Outcome) {
	defer func() {
		if recover() != nil {
			outcome = Gone
		}
	}()

	select {
	case ch <- msg:
		return Sent
	case <-time.After(SendTimeout):
		return Failed
	}
}
