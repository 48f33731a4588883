// Package ratelimit implements the fixed-window request admission gate
// (component C4). A process-local token bucket (golang.org/x/time/rate)
// pre-filters obviously-abusive callers without a store round trip; every
// admission that passes the pre-filter is still checked against the
// authoritative, shared store.RateLimitCheck so the limit holds across
// replicas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
	"github.com/thunder45/translate-control-plane/internal/store"
)

// Policy is one operation's admission rule.
type Policy struct {
	Window   time.Duration
	Limit    int
	FailOpen bool // on store unavailability: true = admit, false = deny
}

// Limiter enforces per-(identifier, operation) limits atop a Store.
type Limiter struct {
	st       store.Store
	policies map[string]Policy

	mu       sync.Mutex
	prefilters map[string]*rate.Limiter
}

// New builds a Limiter with one Policy per operation name (e.g.
// "createSession", "joinSession").
func New(st store.Store, policies map[string]Policy) *Limiter {
	return &Limiter{
		st:         st,
		policies:   policies,
		prefilters: make(map[string]*rate.Limiter),
	}
}

// Allow checks whether identifier may perform operation right now. It
// returns a *ctlerr.Error already shaped as RATE_LIMITED when denied, or
// nil when admitted.
func (l *Limiter) Allow(ctx context.Context, operation, identifier string) error {
	policy, ok := l.policies[operation]
	if !ok {
		return fmt.Errorf("ratelimit: no policy configured for operation %q", operation)
	}

	if !l.prefilter(operation, identifier, policy) {
		slog.Debug("rate limit pre-filter rejected", "operation", operation, "identifier", identifier)
		return ctlerr.RateLimitedErr(1)
	}

	key := fmt.Sprintf("%s:%s", operation, identifier)
	allowed, retryAfter, err := l.st.RateLimitCheck(ctx, key, policy.Limit, policy.Window)
	if err != nil {
		if policy.FailOpen {
			slog.Warn("rate limit store unavailable, failing open", "operation", operation, "err", err)
			return nil
		}
		slog.Warn("rate limit store unavailable, failing closed", "operation", operation, "err", err)
		return ctlerr.Wrap(ctlerr.Internal, "rate limit check unavailable", err)
	}
	if !allowed {
		return ctlerr.RateLimitedErr(retryAfter)
	}
	return nil
}

// prefilter applies a coarse local token bucket per (operation, identifier)
// so a single hot caller cannot hammer the shared store between its own
// fixed-window resets. It is deliberately generous relative to the store's
// authoritative limit.
func (l *Limiter) prefilter(operation, identifier string, policy Policy) bool {
	key := operation + ":" + identifier
	l.mu.Lock()
	lim, ok := l.prefilters[key]
	if !ok {
		burst := policy.Limit * 2
		if burst < 1 {
			burst = 1
		}
		ratePerSec := float64(policy.Limit) / policy.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		l.prefilters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
