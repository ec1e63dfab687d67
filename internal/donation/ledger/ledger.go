// Package ledger remembers which donors have already been alerted for a
// blood request so reminders can skip them.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Ledger records alerted donors per request.
type Ledger interface {
	Mark(ctx context.Context, requestID string, donorIDs ...string) error
	Alerted(ctx context.Context, requestID string) (map[string]struct{}, error)
}

// Memory is an in-process Ledger suitable for tests and single-node runs.
// Like the Redis ledger, a request's entry lives for ttl after its last Mark;
// expired entries are dropped on the next Mark.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	alerted map[string]*memoryEntry
}

type memoryEntry struct {
	donors    map[string]struct{}
	expiresAt time.Time
}

// NewMemory constructs the ledger. A zero ttl defaults to 24h.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{ttl: ttl, now: time.Now, alerted: make(map[string]*memoryEntry)}
}

func (m *Memory) Mark(_ context.Context, requestID string, donorIDs ...string) error {
	if len(donorIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.alerted {
		if !now.Before(e.expiresAt) {
			delete(m.alerted, id)
		}
	}
	e, ok := m.alerted[requestID]
	if !ok {
		e = &memoryEntry{donors: make(map[string]struct{}, len(donorIDs))}
		m.alerted[requestID] = e
	}
	for _, id := range donorIDs {
		e.donors[id] = struct{}{}
	}
	e.expiresAt = now.Add(m.ttl)
	return nil
}

// Alerted returns a copy of the donors marked for requestID.
func (m *Memory) Alerted(_ context.Context, requestID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.alerted[requestID]
	if !ok || !m.now().Before(e.expiresAt) {
		return map[string]struct{}{}, nil
	}
	out := make(map[string]struct{}, len(e.donors))
	for id := range e.donors {
		out[id] = struct{}{}
	}
	return out, nil
}
