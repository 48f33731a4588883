package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/thunder45/translate-control-plane/internal/protocol"
)

// Heartbeat implements the heartbeat frame handler (C7). It never mutates
// session or connection records; a missing connection is answered with a
// courtesy known=false ack rather than an error, since the transport may
// still be about to drop on its own.
func (h *Handler) Heartbeat(ctx context.Context, connectionID string) protocol.Outbound {
	conn, found, err := h.store.GetConnection(ctx, connectionID)
	now := h.now()
	if err != nil {
		slog.Warn("heartbeat lookup failed", "connection_id", connectionID, "err", err)
	}
	if !found {
		known := false
		return protocol.Outbound{Type: protocol.TypeHeartbeatAck, ServerTime: now, Known: &known}
	}

	age := time.Duration(now-conn.ConnectedAt) * time.Millisecond
	if age >= h.cfg.ConnectionWarning {
		expiresIn := h.cfg.MaxConnectionDuration - age
		if expiresIn < 0 {
			expiresIn = 0
		}
		return protocol.Outbound{
			Type:         protocol.TypeConnectionWarning,
			ExpiresInSec: int64(expiresIn.Seconds()),
		}
	}

	known := true
	return protocol.Outbound{Type: protocol.TypeHeartbeatAck, ServerTime: now, Known: &known}
}
