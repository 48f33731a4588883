package control

import (
	"context"
	"log/slog"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
	"github.com/thunder45/translate-control-plane/internal/protocol"
	"github.com/thunder45/translate-control-plane/internal/store"
)

// Pause and Resume are additive lifecycle transitions: a speaker may
// silence and later revive its own session without terminating it. Only
// the connection currently holding the session's speakerConnectionId
// pointer may drive either transition.
func (h *Handler) Pause(ctx context.Context, connectionID string) (protocol.Outbound, error) {
	return h.setPaused(ctx, connectionID, true, protocol.TypeSessionPaused)
}

func (h *Handler) Resume(ctx context.Context, connectionID string) (protocol.Outbound, error) {
	return h.setPaused(ctx, connectionID, false, protocol.TypeSessionResumed)
}

func (h *Handler) setPaused(ctx context.Context, connectionID string, paused bool, frameType string) (protocol.Outbound, error) {
	conn, found, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "look up connection", err)
	}
	if !found || conn.Role != store.RoleSpeaker {
		return protocol.Outbound{}, ctlerr.New(ctlerr.Unauthorized, "connectionId")
	}

	session, found, err := h.store.GetSession(ctx, conn.SessionID)
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "look up session", err)
	}
	if !found || !session.IsActive {
		return protocol.Outbound{}, ctlerr.New(ctlerr.SessionNotFound, "sessionId")
	}
	if session.SpeakerConnectionID != connectionID {
		return protocol.Outbound{}, ctlerr.New(ctlerr.Unauthorized, "connectionId")
	}

	now := h.now()
	if err := h.store.UpdateSession(ctx, session.SessionID, store.SessionPatch{Paused: &paused}, store.SessionCondition{RequireActive: true}); err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "update pause state", err)
	}

	connections, err := h.store.QueryConnectionsBySession(ctx, session.SessionID)
	if err != nil {
		slog.Error("lifecycle: enumerate listeners failed", "session_id", session.SessionID, "err", err)
		connections = nil
	}
	listenerIDs := make([]string, 0, len(connections))
	for _, c := range connections {
		if c.Role == store.RoleListener {
			listenerIDs = append(listenerIDs, c.ConnectionID)
		}
	}

	out := protocol.Outbound{Type: frameType, SessionID: session.SessionID}
	if paused {
		out.PausedAt = now
	} else {
		out.ResumedAt = now
	}

	summary := h.hub.Broadcast(ctx, listenerIDs, out, h.cfg.BroadcastMaxParallel)
	slog.Info("session pause state changed", "session_id", session.SessionID, "paused", paused, "sent", summary.Sent, "gone", summary.Gone, "failed", summary.Failed)

	return out, nil
}
