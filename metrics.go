package main

import (
	"context"
	"log/slog"
	"time"
)

// reclaimer is satisfied by the embedded-backend stores; Redis expires
// its own keys and has no equivalent sweep. ReclaimerFunc lets main wrap
// either SQLiteStore's or MemStore's differently-shaped ReclaimExpired
// method into this single shape.
type reclaimer interface {
	ReclaimExpired(ctx context.Context, now time.Time) (sessions int, connections int, err error)
}

// ReclaimerFunc adapts a plain function to the reclaimer interface.
type ReclaimerFunc func(ctx context.Context, now time.Time) (int, int, error)

func (f ReclaimerFunc) ReclaimExpired(ctx context.Context, now time.Time) (int, int, error) {
	return f(ctx, now)
}

// RunReclamation periodically sweeps expired sessions and connections
// from an embedded backend until ctx is canceled, logging only when it
// actually reclaims something.
func RunReclamation(ctx context.Context, r reclaimer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, connections, err := r.ReclaimExpired(ctx, time.Now())
			if err != nil {
				slog.Error("reclamation sweep failed", "err", err)
				continue
			}
			if sessions > 0 || connections > 0 {
				slog.Info("reclaimed expired state", "sessions", sessions, "connections", connections)
			}
		}
	}
}
