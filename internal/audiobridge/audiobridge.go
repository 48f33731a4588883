// Package audiobridge is the handoff boundary between the control plane
// and the external audio data plane. It accepts a WebTransport session
// over the admitted sessionId/connectionId pair and hands the session
// object to a caller-supplied callback; it never reads a datagram or
// parses a frame itself. Audio capture, encoding, translation and
// playback all live outside this repository.
package audiobridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// SessionHandoff receives one admitted WebTransport session along with
// the control-plane identifiers that admitted it. Implementations live
// in the audio pipeline, not here.
type SessionHandoff func(ctx context.Context, sessionID, connectionID string, sess *webtransport.Session)

// Bridge upgrades incoming WebTransport requests and immediately hands
// the session off; it holds no audio state of its own.
type Bridge struct {
	server  *webtransport.Server
	handoff SessionHandoff
}

// New builds a Bridge that upgrades requests on path and invokes handoff
// for every accepted session. addr is the UDP/QUIC listen address;
// tlsConfig is reused from the same self-signed certificate the control
// plane's own HTTPS listener serves, so the deployment only manages one
// certificate.
func New(addr, path string, tlsConfig *tls.Config, handoff SessionHandoff) *Bridge {
	b := &Bridge{handoff: handoff}
	mux := http.NewServeMux()
	mux.HandleFunc(path, b.handleUpgrade)
	b.server = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			Handler:   mux,
			TLSConfig: tlsConfig,
		},
	}
	return b
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	connectionID := r.URL.Query().Get("connectionId")
	if sessionID == "" || connectionID == "" {
		http.Error(w, "missing sessionId/connectionId", http.StatusBadRequest)
		return
	}

	sess, err := b.server.Upgrade(w, r)
	if err != nil {
		slog.Error("audiobridge: upgrade failed", "session_id", sessionID, "err", err)
		return
	}

	slog.Info("audiobridge: session handed off", "session_id", sessionID, "connection_id", connectionID)
	b.handoff(r.Context(), sessionID, connectionID, sess)
}

// Run starts the underlying QUIC listener and blocks until ctx is
// canceled or the listener fails. The TLS config passed to New must
// already be set; Run does not accept certificate paths.
func (b *Bridge) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("audiobridge: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = b.server.Close()
		return nil
	}
}
