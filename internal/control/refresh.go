package control

import (
	"context"
	"log/slog"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
	"github.com/thunder45/translate-control-plane/internal/protocol"
	"github.com/thunder45/translate-control-plane/internal/store"
	"github.com/thunder45/translate-control-plane/internal/validate"
)

// RefreshConnection implements the refreshConnection admission transition
// (C8): a peer opens a new transport for a session it already holds a
// connection on, so the session survives a transport's hard lifetime cap.
// Speaker refresh requires re-authorization against the session's
// recorded principal; listener refresh is structurally identical minus
// that check.
func (h *Handler) RefreshConnection(ctx context.Context, req AdmissionRequest) (protocol.Outbound, error) {
	if err := validate.SessionID("sessionId", req.SessionID); err != nil {
		return protocol.Outbound{}, err
	}

	if req.TargetLanguage == "" {
		return h.refreshSpeaker(ctx, req)
	}
	return h.refreshListener(ctx, req)
}

func (h *Handler) refreshSpeaker(ctx context.Context, req AdmissionRequest) (protocol.Outbound, error) {
	principal, err := h.authz.Authorize(ctx, req.Token, h.cfg.JWTAudience)
	if err != nil {
		return protocol.Outbound{}, err
	}

	session, found, err := h.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "look up session", err)
	}
	if !found || !session.IsActive {
		return protocol.Outbound{}, ctlerr.New(ctlerr.SessionNotFound, "sessionId")
	}
	if principal.UserID != session.SpeakerUserID {
		return protocol.Outbound{}, ctlerr.New(ctlerr.Unauthorized, "sessionId")
	}

	now := h.now()
	conn := store.Connection{
		ConnectionID:   req.ConnectionID,
		SessionID:      req.SessionID,
		TargetLanguage: session.SourceLanguage,
		Role:           store.RoleSpeaker,
		ConnectedAt:    now,
		TTL:            now + h.cfg.MaxConnectionDuration.Milliseconds(),
		IPAddressHash:  req.IPHash,
	}
	if err := h.store.PutConnection(ctx, conn); err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "persist refreshed connection", err)
	}

	newID := req.ConnectionID
	err = h.store.UpdateSession(ctx, req.SessionID, store.SessionPatch{SpeakerConnectionID: &newID}, store.SessionCondition{RequireActive: true})
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "repoint speaker connection", err)
	}

	slog.Info("speaker connection refreshed", "session_id", req.SessionID, "old_connection_id", session.SpeakerConnectionID, "new_connection_id", newID)
	return protocol.Outbound{
		Type:            protocol.TypeConnectionRefreshed,
		OldConnectionID: session.SpeakerConnectionID,
		NewConnectionID: newID,
		RefreshedAt:     now,
	}, nil
}

func (h *Handler) refreshListener(ctx context.Context, req AdmissionRequest) (protocol.Outbound, error) {
	if err := validate.Language("targetLanguage", req.TargetLanguage); err != nil {
		return protocol.Outbound{}, err
	}

	session, found, err := h.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "look up session", err)
	}
	if !found || !session.IsActive {
		return protocol.Outbound{}, ctlerr.New(ctlerr.SessionNotFound, "sessionId")
	}

	now := h.now()
	conn := store.Connection{
		ConnectionID:   req.ConnectionID,
		SessionID:      req.SessionID,
		TargetLanguage: req.TargetLanguage,
		Role:           store.RoleListener,
		ConnectedAt:    now,
		TTL:            now + h.cfg.MaxConnectionDuration.Milliseconds(),
		IPAddressHash:  req.IPHash,
	}
	if err := h.store.PutConnection(ctx, conn); err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "persist refreshed connection", err)
	}

	slog.Info("listener connection refreshed", "session_id", req.SessionID, "new_connection_id", req.ConnectionID)
	return protocol.Outbound{
		Type:            protocol.TypeConnectionRefreshed,
		NewConnectionID: req.ConnectionID,
		RefreshedAt:     now,
	}, nil
}
