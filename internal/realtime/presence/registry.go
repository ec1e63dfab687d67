// Package presence tracks which donors currently hold a live connection.
//
// The registry is partitioned by donor id so binds and unbinds for different
// donors never contend on the same lock. Each donor maps to at most one
// session; a later Bind for the same donor replaces the earlier session.
package presence

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session is the connection identity the registry stores.
type Session interface {
	ID() uuid.UUID
}

const defaultShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// Registry maps donor ids to their live session.
type Registry struct {
	shards []*shard
	// bound indexes session id -> donor id so Unbind does not need the donor.
	bound  sync.Map
	online atomic.Int64
}

// NewRegistry creates a registry with the given number of partitions.
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]Session)}
	}
	return r
}

func (r *Registry) shardFor(donorID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(donorID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Bind makes s the live session for donorID. Binding the same pair twice is a
// no-op. When donorID was held by a different session, that session loses its
// entry and is returned; the session itself is left open.
func (r *Registry) Bind(donorID string, s Session) Session {
	if prev, ok := r.bound.Load(s.ID()); ok && prev.(string) != donorID {
		r.release(prev.(string), s)
	}

	sh := r.shardFor(donorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, exists := sh.sessions[donorID]
	if exists && current.ID() == s.ID() {
		return nil
	}
	sh.sessions[donorID] = s
	r.bound.Store(s.ID(), donorID)
	if !exists {
		r.online.Add(1)
		return nil
	}
	r.bound.CompareAndDelete(current.ID(), donorID)
	return current
}

// Unbind drops the entry held by s, if any, and reports which donor went
// offline. Repeated calls after the first return ok == false.
func (r *Registry) Unbind(s Session) (string, bool) {
	v, ok := r.bound.LoadAndDelete(s.ID())
	if !ok {
		return "", false
	}
	donorID := v.(string)
	if !r.release(donorID, s) {
		return "", false
	}
	return donorID, true
}

// release removes donorID's entry only while it still points at s.
func (r *Registry) release(donorID string, s Session) bool {
	sh := r.shardFor(donorID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.sessions[donorID]
	if !ok || current.ID() != s.ID() {
		return false
	}
	delete(sh.sessions, donorID)
	r.online.Add(-1)
	return true
}

func (r *Registry) IsOnline(donorID string) bool {
	_, ok := r.Lookup(donorID)
	return ok
}

// Lookup returns the live session for donorID.
func (r *Registry) Lookup(donorID string) (Session, bool) {
	sh := r.shardFor(donorID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[donorID]
	return s, ok
}

func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}

// SnapshotOnlineDonorIDs copies the set of online donors. Shards are read one
// at a time, so the snapshot is consistent per donor, not globally.
func (r *Registry) SnapshotOnlineDonorIDs() map[string]struct{} {
	out := make(map[string]struct{}, r.OnlineCount())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id := range sh.sessions {
			out[id] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Clear drops every entry. Used at shutdown after connections are closed.
func (r *Registry) Clear() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			r.bound.Delete(s.ID())
			delete(sh.sessions, id)
			r.online.Add(-1)
		}
		sh.mu.Unlock()
	}
}
