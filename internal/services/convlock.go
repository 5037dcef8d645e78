// Per-conversation write serialization. Appending a message assigns the next
// Seq from the conversation's cached message count, so concurrent turns in
// the same conversation must be serialized; a keyed mutex is that
// serialization point. Entries are evicted opportunistically after a lookup
// threshold, mirroring the rate limiter's visitor map.
package services

import (
	"sync"
	"time"
)

// convLockEntry pairs a mutex with its last-touch time for eviction.
type convLockEntry struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// ConvLocks hands out one mutex per conversation ID. Safe for concurrent use.
type ConvLocks struct {
	mu      sync.Mutex
	entries map[string]*convLockEntry

	ttl        time.Duration
	lookupN    uint64
	evictEvery uint64
}

// NewConvLocks constructs a ConvLocks with a 10-minute idle TTL.
func NewConvLocks() *ConvLocks {
	return &ConvLocks{
		entries:    make(map[string]*convLockEntry),
		ttl:        10 * time.Minute,
		evictEvery: 5000,
	}
}

// Lock acquires the write lock for conversationID, returning the unlock
// function. Idle entries are garbage-collected before the requested entry is
// touched so stale locks don't get refreshed by their own eviction check.
func (l *ConvLocks) Lock(conversationID string) (unlock func()) {
	now := time.Now()

	l.mu.Lock()
	l.lookupN++
	if l.lookupN >= l.evictEvery {
		for k, e := range l.entries {
			// Only evict entries no goroutine is waiting on.
			if now.Sub(e.lastSeen) >= l.ttl && e.mu.TryLock() {
				e.mu.Unlock()
				delete(l.entries, k)
			}
		}
		l.lookupN = 0
	}

	e, ok := l.entries[conversationID]
	if !ok {
		e = &convLockEntry{}
		l.entries[conversationID] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	e.mu.Lock()
	return e.mu.Unlock
}
