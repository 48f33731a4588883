package control

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// newTransportID mints an opaque connection id. Real deployments let the
// transport layer (load balancer, websocket library) supply this; a UUID
// is a reasonable stand-in when nothing else does.
func newTransportID() string {
	return uuid.NewString()
}

// hashAddr returns an opaque, non-reversible hash of a client address for
// rate-limit identification and logs. Never the plaintext address.
func hashAddr(addr string) string {
	sum := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(sum[:])[:32]
}
