// Package control implements the connect/heartbeat/refresh/disconnect
// state machine (components C6-C9): it is the only caller of the store,
// authorizer, rate limiter, id generator, language-support cache and
// broadcaster that a peer connection ever drives. The websocket transport
// in HandleWebSocket is a thin adapter around these operations so that
// each transition can be exercised directly in tests without a live
// socket.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/thunder45/translate-control-plane/internal/authz"
	"github.com/thunder45/translate-control-plane/internal/broadcast"
	"github.com/thunder45/translate-control-plane/internal/ctlerr"
	"github.com/thunder45/translate-control-plane/internal/idgen"
	"github.com/thunder45/translate-control-plane/internal/langsupport"
	"github.com/thunder45/translate-control-plane/internal/protocol"
	"github.com/thunder45/translate-control-plane/internal/ratelimit"
	"github.com/thunder45/translate-control-plane/internal/store"
)

const writeTimeout = 5 * time.Second

// AdmissionRequest carries the URL-encoded parameters a peer supplies on
// the websocket upgrade, plus the transport-assigned connection id and a
// hashed client address for rate-limit identification.
type AdmissionRequest struct {
	Action         string
	SourceLanguage string
	TargetLanguage string
	QualityTier    string
	Token          string
	SessionID      string
	ConnectionID   string
	IPHash         string
}

// Handler wires the control-plane components together. It holds no
// per-connection state of its own; everything observable lives in Store
// or in the Hub's send-channel registry.
type Handler struct {
	store     store.Store
	authz     *authz.Authorizer
	limiter   *ratelimit.Limiter
	idGen     *idgen.Generator
	langs     *langsupport.Cache
	hub       *broadcast.Hub
	cfg       Config
	upgrader  websocket.Upgrader
	nowFunc   func() time.Time
}

// New builds a Handler from its dependencies.
func New(st store.Store, az *authz.Authorizer, limiter *ratelimit.Limiter, idGen *idgen.Generator, langs *langsupport.Cache, hub *broadcast.Hub, cfg Config) *Handler {
	return &Handler{
		store:   st,
		authz:   az,
		limiter: limiter,
		idGen:   idGen,
		langs:   langs,
		hub:     hub,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		nowFunc: time.Now,
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

func (h *Handler) now() int64 { return h.nowFunc().UnixMilli() }

// HandleWebSocket upgrades one request, admits it according to its
// `action` query parameter, and if admitted serves post-admission frames
// until the transport closes.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	req := parseAdmissionRequest(c.Request(), remoteAddr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.cfg.AdmissionDeadline)
	defer cancel()

	switch req.Action {
	case protocol.ActionCreateSession:
		h.serveCreate(ctx, conn, req)
	case protocol.ActionJoinSession:
		h.serveJoin(ctx, conn, req)
	case protocol.ActionRefreshConnection:
		h.serveRefresh(ctx, conn, req)
	default:
		closeAdmissionError(conn, ctlerr.New(ctlerr.InvalidInput, "action"))
	}
	return nil
}

func parseAdmissionRequest(r *http.Request, remoteAddr string) AdmissionRequest {
	q := r.URL.Query()
	return AdmissionRequest{
		Action:         q.Get(protocol.ParamAction),
		SourceLanguage: q.Get(protocol.ParamSourceLanguage),
		TargetLanguage: q.Get(protocol.ParamTargetLanguage),
		QualityTier:    q.Get(protocol.ParamQualityTier),
		Token:          q.Get(protocol.ParamToken),
		SessionID:      q.Get(protocol.ParamSessionID),
		ConnectionID:   newTransportID(),
		IPHash:         hashAddr(remoteAddr),
	}
}

// serveCreate runs CreateSession and, on success, begins the
// post-admission frame loop for the new speaker connection.
func (h *Handler) serveCreate(ctx context.Context, conn *websocket.Conn, req AdmissionRequest) {
	out, err := h.CreateSession(ctx, req)
	if err != nil {
		closeAdmissionError(conn, err)
		return
	}
	h.serveConn(conn, req.ConnectionID, out)
}

func (h *Handler) serveJoin(ctx context.Context, conn *websocket.Conn, req AdmissionRequest) {
	out, err := h.JoinSession(ctx, req)
	if err != nil {
		closeAdmissionError(conn, err)
		return
	}
	h.serveConn(conn, req.ConnectionID, out)
}

func (h *Handler) serveRefresh(ctx context.Context, conn *websocket.Conn, req AdmissionRequest) {
	out, err := h.RefreshConnection(ctx, req)
	if err != nil {
		closeAdmissionError(conn, err)
		return
	}
	h.serveConn(conn, req.ConnectionID, out)
}

// serveConn registers the connection's send channel, delivers the
// admission reply, then runs the read loop until the transport closes,
// at which point it invokes the disconnect handler (C9).
func (h *Handler) serveConn(conn *websocket.Conn, connectionID string, admitted protocol.Outbound) {
	send := make(chan protocol.Outbound, 16)
	h.hub.Register(connectionID, send)
	defer h.hub.Unregister(connectionID)

	go func() {
		for out := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("ws write error", "connection_id", connectionID, "err", err)
				return
			}
		}
	}()

	send <- admitted

	defer h.Disconnect(context.Background(), connectionID)

	conn.SetReadLimit(1 << 16)
	for {
		var in protocol.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "connection_id", connectionID, "err", err)
			}
			return
		}
		h.handleFrame(connectionID, in, send)
	}
}

func (h *Handler) handleFrame(connectionID string, in protocol.Inbound, send chan<- protocol.Outbound) {
	ctx := context.Background()
	switch in.Action {
	case protocol.ActionHeartbeat:
		send <- h.Heartbeat(ctx, connectionID)
	case protocol.ActionPauseSession:
		out, err := h.Pause(ctx, connectionID)
		if err != nil {
			send <- errorFrame(err)
			return
		}
		send <- out
	case protocol.ActionResumeSession:
		out, err := h.Resume(ctx, connectionID)
		if err != nil {
			send <- errorFrame(err)
			return
		}
		send <- out
	default:
		send <- errorFrame(ctlerr.New(ctlerr.InvalidInput, "action"))
	}
}

// closeAdmissionError writes the wire error frame for an admission
// failure, then closes the transport with the close code the protocol
// pins to that error's kind: 1011 (server error) for INTERNAL_ERROR,
// 1008 (policy violation) for every client-caused rejection.
func closeAdmissionError(conn *websocket.Conn, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(errorFrame(err))
	closeCode := closeCodeForError(err)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""),
		time.Now().Add(writeTimeout))
}

func errorFrame(err error) protocol.Outbound {
	ce := asCtlErr(err)
	return protocol.Outbound{
		Type:       protocol.TypeError,
		Code:       string(ce.Code),
		Message:    ce.Message,
		RetryAfter: ce.RetryAfter,
	}
}

func asCtlErr(err error) *ctlerr.Error {
	ce, ok := err.(*ctlerr.Error)
	if !ok {
		return ctlerr.Wrap(ctlerr.Internal, "internal error", err)
	}
	return ce
}

// closeCodeForError maps an admission failure to its wire close code.
// Only a genuine server-side failure (INTERNAL_ERROR) closes with 1011;
// every other rejection is the peer's own doing and closes with 1008.
func closeCodeForError(err error) int {
	if asCtlErr(err).Code == ctlerr.Internal {
		return websocket.CloseInternalServerErr
	}
	return websocket.ClosePolicyViolation
}
