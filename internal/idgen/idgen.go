// Package idgen produces unique human-readable session IDs (component C2):
// <adjective>-<noun>-<3-digit-number>, retried against a blacklist and an
// existence probe, memorable instead of opaque.
package idgen

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

// ErrCollisionExhausted is returned when every attempt up to MaxAttempts
// collided with an existing session ID.
var ErrCollisionExhausted = fmt.Errorf("idgen: exhausted all attempts without a unique id")

// ExistsProbe reports whether a candidate session ID is already in use.
// In practice this is store.Store.GetSession's found return value.
type ExistsProbe func(ctx context.Context, candidate string) (exists bool, err error)

// Generator mints session IDs of the shape <adjective>-<noun>-<number>.
type Generator struct {
	adjectives  []string
	nouns       []string
	blacklist   map[string]struct{}
	maxAttempts int
	retryBase   time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxAttempts overrides the default collision-retry budget (10).
func WithMaxAttempts(n int) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

// WithRetryBase overrides the exponential backoff base between collision
// retries (default: 100ms).
func WithRetryBase(d time.Duration) Option {
	return func(g *Generator) { g.retryBase = d }
}

// WithBlacklist adds combined forms (e.g. "adjective-noun") or bare words
// that must never appear in a generated ID.
func WithBlacklist(words ...string) Option {
	return func(g *Generator) {
		for _, w := range words {
			g.blacklist[strings.ToLower(w)] = struct{}{}
		}
	}
}

// New builds a Generator from the given word lists. Falls back to the
// built-in lists (see wordlists.go) when adjectives/nouns are empty.
func New(adjectives, nouns []string, opts ...Option) *Generator {
	if len(adjectives) == 0 {
		adjectives = defaultAdjectives
	}
	if len(nouns) == 0 {
		nouns = defaultNouns
	}
	g := &Generator{
		adjectives:  adjectives,
		nouns:       nouns,
		blacklist:   make(map[string]struct{}),
		maxAttempts: 10,
		retryBase:   100 * time.Millisecond,
	}
	for w := range defaultBlacklist {
		g.blacklist[w] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewSessionID selects a random adjective, noun and 3-digit number,
// rejecting blacklisted forms, and retries against existsProbe up to
// MaxAttempts with exponential backoff before returning
// ErrCollisionExhausted.
func (g *Generator) NewSessionID(ctx context.Context, existsProbe ExistsProbe) (string, error) {
	backoff := g.retryBase
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		candidate, err := g.candidate()
		if err != nil {
			return "", fmt.Errorf("generate candidate: %w", err)
		}

		exists, err := existsProbe(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("probe candidate %q: %w", candidate, err)
		}
		if !exists {
			if attempt > 1 {
				slog.Info("session id generated after collisions", "id", candidate, "attempts", attempt)
			}
			return candidate, nil
		}

		slog.Debug("session id collision", "candidate", candidate, "attempt", attempt)
		if attempt < g.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
	}
	slog.Warn("session id generator exhausted retries", "attempts", g.maxAttempts)
	return "", ErrCollisionExhausted
}

// candidateRerollLimit bounds retries against the blacklist alone, so a
// pathological configuration (every word blacklisted) fails fast instead
// of spinning forever.
const candidateRerollLimit = 100

func (g *Generator) candidate() (string, error) {
	for i := 0; i < candidateRerollLimit; i++ {
		adj, err := pick(g.adjectives)
		if err != nil {
			return "", err
		}
		noun, err := pick(g.nouns)
		if err != nil {
			return "", err
		}
		num, err := randInt(100, 999)
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("%s-%s-%d", adj, noun, num)

		if g.isBlacklisted(adj, noun, adj+"-"+noun) {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("idgen: no non-blacklisted candidate after %d rerolls", candidateRerollLimit)
}

func (g *Generator) isBlacklisted(adj, noun, combined string) bool {
	if _, ok := g.blacklist[adj]; ok {
		return true
	}
	if _, ok := g.blacklist[noun]; ok {
		return true
	}
	_, ok := g.blacklist[combined]
	return ok
}

func pick(words []string) (string, error) {
	idx, err := randInt(0, len(words)-1)
	if err != nil {
		return "", err
	}
	return words[idx], nil
}

// randInt returns a cryptographically random integer in [min, max].
func randInt(min, max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return 0, err
	}
	return min + int(n.Int64()), nil
}
