package control

import (
	"context"
	"log/slog"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
	"github.com/thunder45/translate-control-plane/internal/protocol"
	"github.com/thunder45/translate-control-plane/internal/store"
	"github.com/thunder45/translate-control-plane/internal/validate"
)

// sessionIDAllocationAttempts bounds the outer create-if-absent retry loop
// around idgen, separate from idgen's own internal collision-retry budget:
// this loop covers the create-then-put race between the existence probe
// and the write.
const sessionIDAllocationAttempts = 10

// CreateSession implements the createSession admission transition (C6).
func (h *Handler) CreateSession(ctx context.Context, req AdmissionRequest) (protocol.Outbound, error) {
	principal, err := h.authz.Authorize(ctx, req.Token, h.cfg.JWTAudience)
	if err != nil {
		return protocol.Outbound{}, err
	}

	if err := validate.Language("sourceLanguage", req.SourceLanguage); err != nil {
		return protocol.Outbound{}, err
	}
	if err := validate.QualityTier("qualityTier", req.QualityTier); err != nil {
		return protocol.Outbound{}, err
	}

	if err := h.limiter.Allow(ctx, "createSession", principal.UserID); err != nil {
		return protocol.Outbound{}, err
	}

	now := h.now()
	expiresAt := now + h.cfg.SessionRetention.Milliseconds()

	sessionID, err := h.allocateSessionID(ctx, func(candidateID string) store.Session {
		return store.Session{
			SessionID:           candidateID,
			SpeakerConnectionID: req.ConnectionID,
			SpeakerUserID:       principal.UserID,
			SourceLanguage:      req.SourceLanguage,
			QualityTier:         store.QualityTier(req.QualityTier),
			CreatedAt:           now,
			IsActive:            true,
			ListenerCount:       0,
			ExpiresAt:           expiresAt,
		}
	})
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "session id allocation failed", err)
	}

	conn := store.Connection{
		ConnectionID:   req.ConnectionID,
		SessionID:      sessionID,
		TargetLanguage: req.SourceLanguage,
		Role:           store.RoleSpeaker,
		ConnectedAt:    now,
		TTL:            now + h.cfg.MaxConnectionDuration.Milliseconds(),
		IPAddressHash:  req.IPHash,
	}
	if err := h.store.PutConnection(ctx, conn); err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "persist speaker connection", err)
	}

	slog.Info("session created", "session_id", sessionID, "speaker", principal.UserID, "source_language", req.SourceLanguage)
	return protocol.Outbound{
		Type:      protocol.TypeSessionCreated,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// allocateSessionID generates candidate ids and attempts a create-if-absent
// write for each, retrying on AlreadyExists up to
// sessionIDAllocationAttempts times. build receives the candidate id and
// returns the session record to persist.
func (h *Handler) allocateSessionID(ctx context.Context, build func(candidateID string) store.Session) (string, error) {
	for attempt := 1; attempt <= sessionIDAllocationAttempts; attempt++ {
		candidateID, err := h.idGen.NewSessionID(ctx, func(ctx context.Context, candidate string) (bool, error) {
			_, found, err := h.store.GetSession(ctx, candidate)
			return found, err
		})
		if err != nil {
			return "", err
		}

		session := build(candidateID)
		err = h.store.PutSession(ctx, session, true)
		if err == nil {
			return candidateID, nil
		}
		if err != store.ErrAlreadyExists {
			return "", err
		}
		slog.Debug("session id put collided, retrying", "candidate", candidateID, "attempt", attempt)
	}
	return "", ctlerr.New(ctlerr.Internal, "session id collision exhausted")
}

// JoinSession implements the joinSession admission transition (C6).
func (h *Handler) JoinSession(ctx context.Context, req AdmissionRequest) (protocol.Outbound, error) {
	if err := validate.SessionID("sessionId", req.SessionID); err != nil {
		return protocol.Outbound{}, err
	}
	if err := validate.Language("targetLanguage", req.TargetLanguage); err != nil {
		return protocol.Outbound{}, err
	}

	if err := h.limiter.Allow(ctx, "joinSession", req.IPHash); err != nil {
		return protocol.Outbound{}, err
	}

	session, found, err := h.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "look up session", err)
	}
	if !found || !session.IsActive {
		return protocol.Outbound{}, ctlerr.New(ctlerr.SessionNotFound, "sessionId")
	}
	if session.Paused {
		return protocol.Outbound{}, ctlerr.New(ctlerr.SessionPaused, "sessionId")
	}

	if err := h.langs.Supported(ctx, session.SourceLanguage, req.TargetLanguage); err != nil {
		return protocol.Outbound{}, err
	}

	now := h.now()
	err = h.store.UpdateSession(ctx, req.SessionID, store.SessionPatch{ListenerCountDelta: 1}, store.SessionCondition{
		RequireActive:    true,
		MaxListenerCount: h.cfg.MaxListenersPerSession,
	})
	if err != nil {
		if err == store.ErrConditionFailed {
			return protocol.Outbound{}, h.disambiguateJoinFailure(ctx, req.SessionID)
		}
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "reserve listener slot", err)
	}

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
		if _, compErr := h.store.AtomicAddListenerCount(ctx, req.SessionID, -1, 0); compErr != nil {
			slog.Error("compensating listener-count decrement failed", "session_id", req.SessionID, "err", compErr)
		} else {
			slog.Warn("compensated listener count after failed connection write", "session_id", req.SessionID)
		}
		return protocol.Outbound{}, ctlerr.Wrap(ctlerr.Internal, "persist listener connection", err)
	}

	slog.Info("listener joined", "session_id", req.SessionID, "target_language", req.TargetLanguage)
	return protocol.Outbound{
		Type:           protocol.TypeSessionJoined,
		SessionID:      req.SessionID,
		SourceLanguage: session.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		JoinedAt:       now,
	}, nil
}

// disambiguateJoinFailure re-reads the session after a failed conditional
// update to decide whether the caller should see SESSION_FULL (still
// active, at capacity) or SESSION_NOT_FOUND (ended concurrently).
func (h *Handler) disambiguateJoinFailure(ctx context.Context, sessionID string) error {
	session, found, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return ctlerr.Wrap(ctlerr.Internal, "look up session", err)
	}
	if !found || !session.IsActive {
		return ctlerr.New(ctlerr.SessionNotFound, "sessionId")
	}
	return ctlerr.New(ctlerr.SessionFull, "sessionId")
}
