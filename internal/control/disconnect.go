package control

import (
	"context"
	"log/slog"

	"github.com/thunder45/translate-control-plane/internal/protocol"
	"github.com/thunder45/translate-control-plane/internal/store"
)

// Disconnect implements the transport-close handler (C9). It is
// idempotent and never propagates an error to its caller: a retried close
// must not leak resources, so every failure here is logged and absorbed.
func (h *Handler) Disconnect(ctx context.Context, connectionID string) {
	conn, found, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		slog.Error("disconnect: look up connection failed", "connection_id", connectionID, "err", err)
		return
	}
	if !found {
		return
	}

	if conn.Role == store.RoleListener {
		h.disconnectListener(ctx, conn)
		return
	}
	h.disconnectSpeaker(ctx, conn)
}

func (h *Handler) disconnectListener(ctx context.Context, conn store.Connection) {
	if err := h.store.DeleteConnection(ctx, conn.ConnectionID); err != nil {
		slog.Error("disconnect: delete listener connection failed", "connection_id", conn.ConnectionID, "err", err)
	}
	if _, err := h.store.AtomicAddListenerCount(ctx, conn.SessionID, -1, 0); err != nil {
		slog.Error("disconnect: decrement listener count failed", "session_id", conn.SessionID, "err", err)
	}
}

func (h *Handler) disconnectSpeaker(ctx context.Context, conn store.Connection) {
	session, found, err := h.store.GetSession(ctx, conn.SessionID)
	if err != nil {
		slog.Error("disconnect: look up session failed", "session_id", conn.SessionID, "err", err)
		return
	}
	if !found {
		if err := h.store.DeleteConnection(ctx, conn.ConnectionID); err != nil {
			slog.Error("disconnect: delete speaker connection failed", "connection_id", conn.ConnectionID, "err", err)
		}
		return
	}

	if session.SpeakerConnectionID != conn.ConnectionID {
		// A refresh (C8) already repointed the session to a newer
		// connection; this is the superseded transport closing.
		if err := h.store.DeleteConnection(ctx, conn.ConnectionID); err != nil {
			slog.Error("disconnect: delete superseded speaker connection failed", "connection_id", conn.ConnectionID, "err", err)
		}
		return
	}

	h.terminateSession(ctx, session, conn)
}

// terminateSession flips the session inactive, fans out sessionEnded to
// every listener it can still enumerate, and reclaims connection records.
// A ConditionFailed on the deactivation means a concurrent terminal
// disconnect already won the race; this caller still proceeds with
// cleanup so a retried close remains idempotent.
func (h *Handler) terminateSession(ctx context.Context, session store.Session, speakerConn store.Connection) {
	endedAt := h.now()
	err := h.store.UpdateSession(ctx, session.SessionID, store.SessionPatch{SetInactive: true}, store.SessionCondition{RequireActive: true})
	if err != nil && err != store.ErrConditionFailed {
		slog.Error("disconnect: deactivate session failed", "session_id", session.SessionID, "err", err)
	}

	connections, err := h.store.QueryConnectionsBySession(ctx, session.SessionID)
	if err != nil {
		slog.Error("disconnect: enumerate listeners failed", "session_id", session.SessionID, "err", err)
		connections = nil
	}

	listenerIDs := make([]string, 0, len(connections))
	for _, c := range connections {
		if c.Role == store.RoleListener {
			listenerIDs = append(listenerIDs, c.ConnectionID)
		}
	}

	summary := h.hub.Broadcast(ctx, listenerIDs, protocol.Outbound{
		Type:      protocol.TypeSessionEnded,
		SessionID: session.SessionID,
		EndedAt:   endedAt,
	}, h.cfg.BroadcastMaxParallel)

	toDelete := append(listenerIDs, speakerConn.ConnectionID)
	for id, delErr := range h.store.BatchDeleteConnections(ctx, toDelete) {
		if delErr != nil {
			slog.Error("disconnect: cleanup connection failed", "connection_id", id, "err", delErr)
		}
	}

	slog.Info("session terminated",
		"session_id", session.SessionID,
		"duration_ms", endedAt-session.CreatedAt,
		"listener_count", len(listenerIDs),
		"broadcast_sent", summary.Sent,
		"broadcast_gone", summary.Gone,
		"broadcast_failed", summary.Failed,
	)
}
