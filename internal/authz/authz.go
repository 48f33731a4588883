// Package authz validates speaker credentials (component C3): parses a
// bearer JWT, checks it against a JWKS fetched from the configured
// identity provider and cached with single-flight refresh, and extracts
// the subject as the session's speaker principal.
package authz

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
)

// DenialKind is the internal (never wire-exposed) classification of an
// authorization failure, logged for operators but surfaced to the peer
// only as an opaque "Unauthorized".
type DenialKind string

const (
	DenialMissingToken DenialKind = "MissingToken"
	DenialExpired      DenialKind = "Expired"
	DenialBadSignature DenialKind = "BadSignature"
	DenialWrongIssuer  DenialKind = "WrongIssuer"
	DenialMalformed    DenialKind = "Malformed"
)

// Principal is the authenticated speaker identity extracted from a token.
type Principal struct {
	UserID string
}

// Authorizer validates bearer tokens against a JWKS endpoint.
type Authorizer struct {
	issuer      string
	tokenUse    string
	jwksURL     string
	cacheTTL    time.Duration
	httpClient  *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	sf        singleflight.Group
}

// Config carries the deployment-specific identity-provider settings.
type Config struct {
	Issuer     string
	TokenUse   string // e.g. "access" or "id"; matched against the token_use claim
	JWKSURL    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// New builds an Authorizer from Config, applying defaults for any zero
// field.
func New(cfg Config) *Authorizer {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Authorizer{
		issuer:     cfg.Issuer,
		tokenUse:   cfg.TokenUse,
		jwksURL:    cfg.JWKSURL,
		cacheTTL:   cfg.CacheTTL,
		httpClient: cfg.HTTPClient,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Authorize parses tokenString, validates it against the cached JWKS and
// standard claims, and returns the speaker principal. Every denial reason
// collapses to ctlerr.Unauthorized on the wire; the DenialKind is only in
// the log line, never in the returned error's message.
func (a *Authorizer) Authorize(ctx context.Context, tokenString, audience string) (Principal, error) {
	if tokenString == "" {
		a.logDenial(DenialMissingToken, "")
		return Principal{}, ctlerr.New(ctlerr.Unauthorized, "authorization failed")
	}

	keyfunc := func(token *jwt.Token) (any, error) { return a.keyfunc(ctx, token) }
	token, err := jwt.Parse(tokenString, keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		kind := DenialMalformed
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			kind = DenialExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			kind = DenialBadSignature
		}
		a.logDenial(kind, tokenPrefix(tokenString))
		return Principal{}, ctlerr.Wrap(ctlerr.Unauthorized, "authorization failed", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		a.logDenial(DenialMalformed, tokenPrefix(tokenString))
		return Principal{}, ctlerr.New(ctlerr.Unauthorized, "authorization failed")
	}

	if a.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != a.issuer {
			a.logDenial(DenialWrongIssuer, tokenPrefix(tokenString))
			return Principal{}, ctlerr.New(ctlerr.Unauthorized, "authorization failed")
		}
	}

	if audience != "" {
		aud, _ := claims.GetAudience()
		if !containsString(aud, audience) {
			a.logDenial(DenialWrongIssuer, tokenPrefix(tokenString))
			return Principal{}, ctlerr.New(ctlerr.Unauthorized, "authorization failed")
		}
	}

	if a.tokenUse != "" {
		if use, _ := claims["token_use"].(string); use != a.tokenUse {
			a.logDenial(DenialMalformed, tokenPrefix(tokenString))
			return Principal{}, ctlerr.New(ctlerr.Unauthorized, "authorization failed")
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		a.logDenial(DenialMalformed, tokenPrefix(tokenString))
		return Principal{}, ctlerr.New(ctlerr.Unauthorized, "authorization failed")
	}

	return Principal{UserID: sub}, nil
}

func (a *Authorizer) keyfunc(ctx context.Context, token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}

	a.mu.RLock()
	key, ok := a.keys[kid]
	fresh := ok && time.Since(a.fetchedAt) < a.cacheTTL
	a.mu.RUnlock()
	if fresh {
		return key, nil
	}

	if err := a.refreshJWKS(ctx); err != nil {
		return nil, fmt.Errorf("refresh jwks: %w", err)
	}

	a.mu.RLock()
	key, ok = a.keys[kid]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

// refreshJWKS fetches the JWKS document at most once per concurrent miss.
func (a *Authorizer) refreshJWKS(ctx context.Context) error {
	_, err, _ := a.sf.Do("jwks", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		var set jwkSet
		if err := json.Unmarshal(body, &set); err != nil {
			return nil, fmt.Errorf("decode jwks: %w", err)
		}

		parsed := make(map[string]*rsa.PublicKey, len(set.Keys))
		for _, k := range set.Keys {
			pub, err := rsaPublicKeyFromJWK(k)
			if err != nil {
				slog.Warn("skipping unparseable jwk", "kid", k.Kid, "err", err)
				continue
			}
			parsed[k.Kid] = pub
		}

		a.mu.Lock()
		a.keys = parsed
		a.fetchedAt = time.Now()
		a.mu.Unlock()

		slog.Info("jwks refreshed", "key_count", len(parsed))
		return nil, nil
	})
	return err
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func (a *Authorizer) logDenial(kind DenialKind, resourcePrefix string) {
	slog.Info("authorization denied", "kind", kind, "resource_prefix", resourcePrefix)
}

// tokenPrefix returns a bounded, non-sensitive prefix for log correlation;
// never the full token.
func tokenPrefix(token string) string {
	const n = 8
	if len(token) <= n {
		return "***"
	}
	return token[:n] + "***"
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

