package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// generateTLSConfig creates one self-signed TLS certificate shared by every
// network surface this deployment exposes — the HTTPS/WebSocket control
// port and, when configured, the WebTransport audio-bridge's QUIC port —
// so operators manage a single certificate instead of one per listener.
// Returns the tls.Config, the SHA-256 fingerprint, and any error. validity
// controls how long the certificate is valid for. serverName becomes the
// Common Name (falling back to the first non-empty hostname, then to a
// generic default); hostnames are deduplicated into the DNS SAN list
// alongside "localhost". Callers typically pass the control port's bound
// host and the audio-bridge's bound host, when both are configured.
func generateTLSConfig(validity time.Duration, serverName string, hostnames ...string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("[tls] generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("[tls] generate serial: %w", err)
	}

	sans := dedupSANs(serverName, hostnames)

	cn := "translate-control-plane"
	if serverName != "" {
		cn = serverName
	} else {
		for _, h := range hostnames {
			if h != "" {
				cn = h
				break
			}
		}
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("[tls] create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("[tls] parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
	}

	return tlsConfig, fingerprint, nil
}

// dedupSANs builds the DNS SAN list for generateTLSConfig: "localhost"
// plus serverName and every entry in hostnames, each included once.
func dedupSANs(serverName string, hostnames []string) []string {
	seen := map[string]bool{"localhost": true}
	sans := []string{"localhost"}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		sans = append(sans, name)
	}
	add(serverName)
	for _, h := range hostnames {
		add(h)
	}
	return sans
}
