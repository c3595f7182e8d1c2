package session

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// LockRegistry hands out per-session mutexes so concurrent uploads and
// pipeline runs for the same session serialize without a global lock.
// Idle entries are removed by an explicit reaper rather than an ambient
// timer; Run must be started by the owner.
type LockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewLockRegistry(ttl time.Duration) *LockRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LockRegistry{
		entries: make(map[string]*lockEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Acquire locks the session's mutex and returns the release func.
func (r *LockRegistry) Acquire(sessionID string) func() {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		entry = &lockEntry{}
		r.entries[sessionID] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		r.mu.Lock()
		entry.refs--
		entry.lastUsed = r.now()
		r.mu.Unlock()
	}
}

// Sweep removes idle entries past the TTL and reports how many were
// reaped. Entries with holders or waiters are never removed.
func (r *LockRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	reaped := 0
	for id, entry := range r.entries {
		if entry.refs == 0 && entry.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			reaped++
		}
	}
	return reaped
}

// Run sweeps on the given interval until ctx is cancelled.
func (r *LockRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *LockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
