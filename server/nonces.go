package server

import (
	"sync"
	"time"
)

// NonceLedger is the in-memory replay-detection store for control-channel
// nonces. One ledger lives for the whole process and is injected into the
// control channel; entries expire after the envelope TTL and are evicted
// lazily on access.
type NonceLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

// NewNonceLedger constructs a ledger with the given entry TTL.
func NewNonceLedger(ttl time.Duration) *NonceLedger {
	return &NonceLedger{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Seen reports whether the nonce is currently recorded, without recording it.
func (l *NonceLedger) Seen(nonce string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)
	_, ok := l.entries[nonce]
	return ok
}

// CheckAndRecord records the nonce and reports true if it was fresh. The
// check and the record happen under one lock so two concurrent requests with
// the same nonce cannot both pass.
func (l *NonceLedger) CheckAndRecord(nonce string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)
	if _, ok := l.entries[nonce]; ok {
		return false
	}
	l.entries[nonce] = now.Add(l.ttl)
	return true
}

// Len reports the number of live entries.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(time.Now())
	return len(l.entries)
}

// evict drops expired entries. Caller holds the lock.
func (l *NonceLedger) evict(now time.Time) {
	for nonce, expiry := range l.entries {
		if now.After(expiry) {
			delete(l.entries, nonce)
		}
	}
}
