package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-process embedded backend for Store: a single
// sync.RWMutex-guarded map per entity, one map, one mutex, no per-record
// locks. It satisfies the same Store interface as the SQLite- and
// Redis-backed implementations so callers never see which backend they're
// talking to.
type MemStore struct {
	mu          sync.RWMutex
	sessions    map[string]Session
	connections map[string]Connection
	rateLimits  map[string]rateLimitCounter
}

type rateLimitCounter struct {
	count       int
	windowStart time.Time
	expiresAt   time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:    make(map[string]Session),
		connections: make(map[string]Connection),
		rateLimits:  make(map[string]rateLimitCounter),
	}
}

func (m *MemStore) GetSession(_ context.Context, id string) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemStore) PutSession(_ context.Context, s Session, onlyIfAbsent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if onlyIfAbsent {
		if _, exists := m.sessions[s.SessionID]; exists {
			return ErrAlreadyExists
		}
	}
	m.sessions[s.SessionID] = s
	return nil
}

func (m *MemStore) UpdateSession(_ context.Context, id string, patch SessionPatch, cond SessionCondition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if cond.RequireActive && !s.IsActive {
		return ErrConditionFailed
	}
	if cond.MaxListenerCount > 0 && s.ListenerCount+patch.ListenerCountDelta > cond.MaxListenerCount {
		return ErrConditionFailed
	}

	if patch.SpeakerConnectionID != nil {
		s.SpeakerConnectionID = *patch.SpeakerConnectionID
	}
	if patch.ListenerCountDelta != 0 {
		s.ListenerCount += patch.ListenerCountDelta
		if s.ListenerCount < 0 {
			s.ListenerCount = 0
		}
	}
	if patch.SetInactive {
		s.IsActive = false
	}
	if patch.Paused != nil {
		s.Paused = *patch.Paused
	}

	m.sessions[id] = s
	return nil
}

func (m *MemStore) AtomicAddListenerCount(_ context.Context, id string, delta int, floor int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.ListenerCount += delta
	if s.ListenerCount < floor {
		s.ListenerCount = floor
	}
	m.sessions[id] = s
	return s.ListenerCount, nil
}

func (m *MemStore) GetConnection(_ context.Context, connectionID string) (Connection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[connectionID]
	return c, ok, nil
}

func (m *MemStore) PutConnection(_ context.Context, c Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ConnectionID] = c
	return nil
}

func (m *MemStore) DeleteConnection(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, connectionID)
	return nil
}

func (m *MemStore) QueryConnectionsBySession(_ context.Context, sessionID string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0)
	for _, c := range m.connections {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemStore) QueryConnectionsByLanguage(_ context.Context, sessionID, language string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0)
	for _, c := range m.connections {
		if c.SessionID == sessionID && c.TargetLanguage == language {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemStore) BatchDeleteConnections(_ context.Context, connectionIDs []string) map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make(map[string]error, len(connectionIDs))
	for _, id := range connectionIDs {
		delete(m.connections, id)
		results[id] = nil
	}
	return results
}

// ReclaimExpired deletes sessions past their ExpiresAt and connections past
// their TTL. It is driven by a periodic background sweep rather than
// invoked from any admission flow.
func (m *MemStore) ReclaimExpired(_ context.Context, now time.Time) (sessions int, connections int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.ExpiresAt > 0 && now.UnixMilli() >= s.ExpiresAt {
			delete(m.sessions, id)
			sessions++
		}
	}
	for id, c := range m.connections {
		if c.TTL > 0 && now.UnixMilli() >= c.TTL {
			delete(m.connections, id)
			connections++
		}
	}
	return sessions, connections
}

// RateLimitCheck implements a fixed-window counter: when the window has
// elapsed since windowStart, the counter resets; otherwise it increments
// and is compared against limit (now.Sub(last) >= window -> reset).
func (m *MemStore) RateLimitCheck(_ context.Context, identifier string, limit int, window time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rl, exists := m.rateLimits[identifier]
	if !exists || now.Sub(rl.windowStart) >= window {
		rl = rateLimitCounter{count: 1, windowStart: now, expiresAt: now.Add(window)}
		m.rateLimits[identifier] = rl
		return true, 0, nil
	}

	rl.count++
	m.rateLimits[identifier] = rl
	if rl.count > limit {
		retryAfter := int64(window.Seconds() - now.Sub(rl.windowStart).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
