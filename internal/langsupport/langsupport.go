// Package langsupport provides the LanguageSupport lookup referenced by
// C5/C6: a process-local, TTL-cached answer to "does the downstream
// translation/synthesis subsystem support this (source, target) pair?"
// Concurrent cache misses for the same pair share one upstream call
// (single-flight), matching the JWKS cache's refresh discipline.
package langsupport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/thunder45/translate-control-plane/internal/ctlerr"
)

// DefaultCacheTTL is the minimum lifetime of a cached support-lookup
// result.
const DefaultCacheTTL = 10 * time.Minute

// DefaultLookupTimeout is the maximum time a cache miss may block an
// admission flow before conservatively rejecting as UNSUPPORTED_LANGUAGE.
const DefaultLookupTimeout = 500 * time.Millisecond

// Prober answers whether target is reachable from source by the
// downstream translation/synthesis subsystem. Implementations call out to
// that subsystem's own discovery API; this package owns only the cache
// and the single-flight discipline in front of it.
type Prober func(ctx context.Context, source, target string) (bool, error)

type entry struct {
	supported bool
	expiresAt time.Time
}

// Cache is the process-local LanguageSupport lookup.
type Cache struct {
	probe   Prober
	ttl     time.Duration
	timeout time.Duration

	mu      sync.RWMutex
	entries map[string]entry
	sf      singleflight.Group
}

// New builds a Cache backed by probe.
func New(probe Prober, ttl, timeout time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Cache{probe: probe, ttl: ttl, timeout: timeout, entries: make(map[string]entry)}
}

// Supported reports whether (source, target) is supported, consulting the
// cache first. A cache miss blocks at most Cache.timeout before returning
// UNSUPPORTED_LANGUAGE conservatively rather than admitting an unverified
// pair.
func (c *Cache) Supported(ctx context.Context, source, target string) error {
	key := source + ">" + target

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		if !e.supported {
			return ctlerr.New(ctlerr.UnsupportedLanguage, "targetLanguage")
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resultCh := c.sf.DoChan(key, func() (any, error) {
		supported, err := c.probe(lookupCtx, source, target)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.entries[key] = entry{supported: supported, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return supported, nil
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			slog.Warn("language support probe failed, rejecting conservatively", "source", source, "target", target, "err", res.Err)
			return ctlerr.New(ctlerr.UnsupportedLanguage, "targetLanguage")
		}
		if !res.Val.(bool) {
			return ctlerr.New(ctlerr.UnsupportedLanguage, "targetLanguage")
		}
		return nil
	case <-lookupCtx.Done():
		slog.Warn("language support lookup exceeded budget, rejecting conservatively", "source", source, "target", target)
		return ctlerr.New(ctlerr.UnsupportedLanguage, "targetLanguage")
	}
}

// StaticProber returns a Prober backed by a fixed set of supported target
// languages per source language, useful for tests and for deployments that
// pin a static language matrix instead of calling out to a discovery API.
func StaticProber(matrix map[string][]string) Prober {
	return func(_ context.Context, source, target string) (bool, error) {
		targets, ok := matrix[source]
		if !ok {
			return false, nil
		}
		for _, t := range targets {
			if t == target {
				return true, nil
			}
		}
		return false, nil
	}
}
